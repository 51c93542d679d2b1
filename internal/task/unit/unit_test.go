package unit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunc(t *testing.T) {
	t.Parallel()

	res, err := Func(func(context.Context) error { return nil }).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)

	boom := errors.New("boom")
	res, err = Func(func(context.Context) error { return boom }).Execute(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.ExitStatus)
}

func TestNewCommand_Split(t *testing.T) {
	t.Parallel()

	c, err := NewCommand(`echo "hello world" 'x y'`, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hello world", "x y"}, c.argv)

	_, err = NewCommand(`echo "unterminated`, false)
	require.Error(t, err)

	_, err = NewCommand("   ", true)
	require.Error(t, err)
}

func TestCommand_Execute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	t.Parallel()

	c, err := NewCommand("echo hi; echo err 1>&2; exit 3", true)
	require.NoError(t, err)
	res, err := c.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Contains(t, string(res.Output), "hi")
	assert.Contains(t, string(res.Output), "err")

	c, err = NewCommand("true", false)
	require.NoError(t, err)
	res, err = c.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestCommand_LiteralRunsConcurrently(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires true")
	}
	t.Parallel()

	c := &Command{Line: "true"}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Execute(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"true"}, c.argv)

	_, err := (&Command{Line: `echo "open`}).Execute(context.Background())
	assert.Error(t, err)
}

func TestCommand_Cancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep")
	}
	t.Parallel()

	c, err := NewCommand("sleep 5", false)
	require.NoError(t, err)
	c.WaitDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	b := &cappedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd\n[output truncated]\n", string(b.Bytes()))
}

func TestHTTP_Execute(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(srv.Close)

	h := &HTTP{URL: srv.URL, Headers: map[string]string{"X-Token": "ok"}}
	res, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "pong", string(res.Output))

	h = &HTTP{Method: "post", URL: srv.URL}
	res, err = h.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.ExitStatus)
	assert.Equal(t, "POST "+srv.URL, Describe(h))
}
