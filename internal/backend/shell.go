package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rendis/flowcore/internal/isolation"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	defaultMaxOutputBytes = 10 * 1024 * 1024
	lineBuffer            = 256
	maxLineBytes          = 1024 * 1024
)

// ShellConfig configures the native shell backend.
type ShellConfig struct {
	Isolator isolation.Isolator
	Limits   isolation.Limits
	// WorkDir is used when a ProcessSpec names none.
	WorkDir string
	// MaxOutputBytes caps each of stdout and stderr; the rest is discarded.
	MaxOutputBytes int64
	Shell          string
}

// ShellBackend runs commands through /bin/sh under an isolator.
type ShellBackend struct {
	cfg ShellConfig
}

// NewShellBackend fills config defaults.
func NewShellBackend(cfg ShellConfig) *ShellBackend {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewTimeoutIsolator()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &ShellBackend{cfg: cfg}
}

// Create prepares the command. Arguments are passed as positional parameters,
// so `command: echo` with `arguments: [a b]` runs `echo "$@"` with $@ = a b.
func (b *ShellBackend) Create(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "run: shell command is empty")
	}

	args := []string{"-c", spec.Command}
	if len(spec.Arguments) > 0 {
		args = []string{"-c", spec.Command + ` "$@"`, "flowcore"}
		args = append(args, spec.Arguments...)
	}
	cmd := exec.Command(b.cfg.Shell, args...)

	cmd.Dir = spec.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = b.cfg.WorkDir
	}
	if len(spec.Environment) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Environment {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	limits := b.cfg.Limits
	if spec.Timeout > 0 {
		limits.Timeout = spec.Timeout
	}

	return &shellProcess{
		cmd:      cmd,
		isolator: b.cfg.Isolator,
		limits:   limits,
		maxBytes: b.cfg.MaxOutputBytes,
		stdout:   make(chan string, lineBuffer),
		stderr:   make(chan string, lineBuffer),
		done:     make(chan struct{}),
	}, nil
}

type shellProcess struct {
	cmd      *exec.Cmd
	isolator isolation.Isolator
	limits   isolation.Limits
	maxBytes int64

	stdout chan string
	stderr chan string

	mu      sync.Mutex
	started bool
	cancel  context.CancelCauseFunc

	done     chan struct{}
	exitCode int
	err      error
}

// Start runs the process. The process outlives ctx; use Wait or Stop to bound it.
func (p *shellProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return schema.NewError(schema.ErrCodeRuntime, "process already started")
	}

	procCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	// Timeouts are enforced here, not by the isolator, so exitStatus can
	// classify them.
	stopTimer := func() {}
	limits := p.limits
	if limits.Timeout > 0 {
		procCtx, stopTimer = context.WithTimeout(procCtx, limits.Timeout)
		limits.Timeout = 0
	}
	wrapped, release, err := p.isolator.Wrap(procCtx, p.cmd, limits)
	if err != nil {
		stopTimer()
		cancel(nil)
		return schema.AsFlowError(err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	wrapped.Stdout = &limitedWriter{w: outW, limit: p.maxBytes}
	wrapped.Stderr = &limitedWriter{w: errW, limit: p.maxBytes}

	if err := wrapped.Start(); err != nil {
		release()
		stopTimer()
		cancel(nil)
		return schema.NewErrorf(schema.ErrCodeRuntime, "start process: %s", err.Error()).WithCause(err)
	}
	p.started = true
	p.cancel = cancel

	var readers sync.WaitGroup
	readers.Add(2)
	go forwardLines(outR, p.stdout, &readers)
	go forwardLines(errR, p.stderr, &readers)

	go func() {
		waitErr := wrapped.Wait()
		_ = outW.Close()
		_ = errW.Close()
		readers.Wait()
		release()
		p.exitCode, p.err = exitStatus(procCtx, waitErr)
		stopTimer()
		cancel(nil)
		close(p.done)
	}()
	return nil
}

func exitStatus(procCtx context.Context, waitErr error) (int, error) {
	if procCtx.Err() != nil {
		cause := context.Cause(procCtx)
		if errors.Is(cause, context.DeadlineExceeded) {
			return -1, schema.NewError(schema.ErrCodeTimeout, "process timed out").WithCause(cause)
		}
		return -1, schema.AsFlowError(cause)
	}
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, schema.NewErrorf(schema.ErrCodeRuntime, "wait process: %s", waitErr.Error()).WithCause(waitErr)
}

func (p *shellProcess) Wait(ctx context.Context) (int, error) {
	if !p.isStarted() {
		return -1, schema.NewError(schema.ErrCodeRuntime, "process not started")
	}
	select {
	case <-p.done:
		return p.exitCode, p.err
	case <-ctx.Done():
		p.cancel(context.Cause(ctx))
		<-p.done
		return -1, schema.AsFlowError(context.Cause(ctx))
	}
}

func (p *shellProcess) Stop(ctx context.Context) error {
	if !p.isStarted() {
		return nil
	}
	p.cancel(context.Canceled)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *shellProcess) Stdout() <-chan string { return p.stdout }
func (p *shellProcess) Stderr() <-chan string { return p.stderr }

func (p *shellProcess) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// forwardLines sends each line of r to ch and closes ch at EOF. Over-long
// lines end forwarding; the remainder is discarded so the writer never blocks.
func forwardLines(r *io.PipeReader, ch chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
	_, _ = io.Copy(io.Discard, r)
}

// limitedWriter silently drops bytes past limit but reports them written, so
// the child never sees a short write.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}

var _ Backend = (*ShellBackend)(nil)
