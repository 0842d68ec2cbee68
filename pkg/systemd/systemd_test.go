package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	ok, err := Ready()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, Watchdog(context.Background()))
}

func TestNotify(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	read := func() string {
		buf := make([]byte, 256)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}

	ok, err := Ready()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "READY=1", read())

	_, err = Status("serving 2 providers")
	require.NoError(t, err)
	require.Equal(t, "STATUS=serving 2 providers", read())

	_, err = Stopping()
	require.NoError(t, err)
	require.Equal(t, "STOPPING=1", read())
}
