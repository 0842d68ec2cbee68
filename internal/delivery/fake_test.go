package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/broker"
	"courier/internal/message"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

// fakeConn is a broker.Connection driven by the test.
type fakeConn struct {
	h broker.Handler

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	started chan struct{}
}

func newFakeConn(h broker.Handler) *fakeConn {
	return &fakeConn{h: h, started: make(chan struct{}, 16)}
}

func (c *fakeConn) Start() bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.starts++
	c.mu.Unlock()
	c.started <- struct{}{}
	return true
}

func (c *fakeConn) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.stops++
	}
	c.running = false
}

func (c *fakeConn) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *fakeConn) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *fakeConn) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// fail ends the attempt the way a connection does: idle first, then the callback.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.h.OnFailed(err)
}

func (c *fakeConn) finish() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.h.OnFinished()
}

func (c *fakeConn) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-c.started:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not started")
	}
}

type fakeBackend struct {
	name  string
	stubs bool

	mu        sync.Mutex
	senders   []*fakeConn
	receivers map[string][]*fakeConn
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, receivers: map[string][]*fakeConn{}}
}

func (b *fakeBackend) Name() string             { return b.name }
func (b *fakeBackend) NeedsDeletionStubs() bool { return b.stubs }

func (b *fakeBackend) NewSenderConnection(_ message.Message, h broker.Handler) broker.Connection {
	c := newFakeConn(h)
	b.mu.Lock()
	b.senders = append(b.senders, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBackend) NewReceiverConnection(channel string, h broker.Handler) broker.Connection {
	c := newFakeConn(h)
	b.mu.Lock()
	b.receivers[channel] = append(b.receivers[channel], c)
	b.mu.Unlock()
	return c
}

func (b *fakeBackend) sender(t *testing.T, i int) *fakeConn {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Greater(t, len(b.senders), i)
	return b.senders[i]
}

func (b *fakeBackend) receiver(t *testing.T, channel string) *fakeConn {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.receivers[channel]
	require.NotEmpty(t, conns)
	return conns[len(conns)-1]
}

type testEnv struct {
	backend  *fakeBackend
	stores   storage.Stores
	registry *Registry
	provider *Provider
}

func newTestEnv(t *testing.T, cfg ProviderConfig) *testEnv {
	t.Helper()
	reg := NewRegistry()
	st, err := storage.OpenStores(context.Background(), storage.Config{Driver: "memory", ContentDir: t.TempDir()}, reg, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.SenderPeriods.Default == 0 {
		cfg.SenderPeriods.Default = time.Hour
	}
	if cfg.ReceiverPeriods.Default == 0 {
		cfg.ReceiverPeriods.Default = time.Hour
	}
	b := newFakeBackend("fake")
	p := NewProvider(cfg, b, st, logx.Nop())
	require.NoError(t, reg.Add(p))
	t.Cleanup(p.Stop)
	return &testEnv{backend: b, stores: st, registry: reg, provider: p}
}

func newTestMessage(channel string, ttl time.Duration) message.Message {
	return message.New(channel, "general", json.RawMessage(`{"q":1}`), nil, ttl, "")
}

func nextChange(t *testing.T, ch <-chan storage.Change) storage.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
		return storage.Change{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
