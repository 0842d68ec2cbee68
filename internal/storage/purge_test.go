package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "courier/pkg/logx"
)

func TestPurgerRunsOnStartAndStops(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestStore(t, Inbox, nil)
	out, _ := newTestStore(t, Outbox, nil)

	_, err := in.Add(ctx, testMessage("a", "chat", "", time.Hour, ""))
	require.NoError(t, err)
	_, err = out.Add(ctx, testMessage("b", "chat", "", time.Hour, ""))
	require.NoError(t, err)
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	in.now = later
	out.now = later

	p := NewPurger(time.Hour, logx.Nop(), in, out)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx), "second start is a no-op")

	for _, s := range []*MessageStore{in, out} {
		n, err := s.Len(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	p.Stop(stopCtx)
	p.Stop(stopCtx)
}

func TestPurgeOnceSkipsClosedStores(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestStore(t, Inbox, nil)
	out, _ := newTestStore(t, Outbox, nil)
	_, err := out.Add(ctx, testMessage("b", "chat", "", time.Hour, ""))
	require.NoError(t, err)
	out.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, in.Close())

	p := NewPurger(0, logx.Logger{}, in, out)
	require.Equal(t, 1, p.PurgeOnce(ctx))
}
