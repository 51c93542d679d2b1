package unit

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

const (
	defaultWaitDelay = 5 * time.Second
	defaultMaxOutput = 1 << 20
)

// Command runs an external program.
//
// With Shell set, Line is handed to /bin/sh -c as-is; otherwise it is split
// with POSIX shell quoting rules and executed directly.
type Command struct {
	Line  string
	Shell bool
	Dir   string
	Env   []string // appended to the current environment

	// WaitDelay bounds how long the process may linger after SIGTERM before
	// it is killed. Zero means 5s.
	WaitDelay time.Duration
	// MaxOutput caps captured stdout+stderr bytes. Zero means 1 MiB.
	MaxOutput int

	// Line is split once, on first use; concurrent runs share the result.
	once    sync.Once
	argv    []string
	prepErr error
}

// NewCommand validates line and returns a ready unit.
func NewCommand(line string, shell bool) (*Command, error) {
	c := &Command{Line: strings.TrimSpace(line), Shell: shell}
	if err := c.prepare(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Command) prepare() error {
	c.once.Do(func() { c.argv, c.prepErr = splitLine(c.Line, c.Shell) })
	return c.prepErr
}

func splitLine(line string, shell bool) ([]string, error) {
	if line == "" {
		return nil, errors.New("command: empty command line")
	}
	if shell {
		return nil, nil
	}
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "command: split %q", line)
	}
	if len(argv) == 0 {
		return nil, errors.New("command: empty command line")
	}
	return argv, nil
}

func (c *Command) Describe() string {
	if c.Shell {
		return "sh: " + c.Line
	}
	return "exec: " + c.Line
}

func (c *Command) Execute(ctx context.Context) (Result, error) {
	if err := c.prepare(); err != nil {
		return Result{ExitStatus: -1}, err
	}

	cmd := c.build(ctx)
	out := &cappedBuffer{max: c.MaxOutput}
	if out.max <= 0 {
		out.max = defaultMaxOutput
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{ExitStatus: code, Output: out.Bytes()}, errors.Wrap(ctxErr, "command interrupted")
			}
			return Result{ExitStatus: code, Output: out.Bytes()}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{ExitStatus: -1, Output: out.Bytes()}, errors.Wrap(ctxErr, "command interrupted")
		}
		return Result{ExitStatus: -1, Output: out.Bytes()}, errors.Wrap(err, "start command")
	}
	return Result{Output: out.Bytes()}, nil
}

func (c *Command) build(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	switch {
	case c.Shell && runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/C", c.Line) // #nosec G204
	case c.Shell:
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Line) // #nosec G204
	default:
		cmd = exec.CommandContext(ctx, c.argv[0], c.argv[1:]...) // #nosec G204
	}
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	return cmd
}

func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]byte(nil), b.buf.Bytes()...)
	if b.truncated {
		out = append(out, "\n[output truncated]\n"...)
	}
	return out
}
