package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotify_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	assert.NoError(t, err)
	assert.False(t, sent)
}

func TestNotify_Lifecycle(t *testing.T) {
	conn := listen(t)

	sent, err := Ready()
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "READY=1", read(t, conn))

	_, err = Status("3 tasks")
	require.NoError(t, err)
	assert.Equal(t, "STATUS=3 tasks", read(t, conn))

	_, err = Stopping()
	require.NoError(t, err)
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdog_Disabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	assert.NoError(t, Watchdog(context.Background(), nil, nil))
}

func TestWatchdog_PingsWhenHealthy(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, func() error { return nil }, nil) }()

	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	assert.NoError(t, <-done)
}
