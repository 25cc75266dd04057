package backend

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/isolation"
	"github.com/rendis/flowcore/pkg/schema"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// runToExit starts a process, drains both streams and waits for it.
func runToExit(t *testing.T, b Backend, spec ProcessSpec) (int, []string, []string, error) {
	t.Helper()
	ctx := context.Background()
	p, err := b.Create(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	var stdout, stderr []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for line := range p.Stdout() {
			stdout = append(stdout, line)
		}
	}()
	go func() {
		defer wg.Done()
		for line := range p.Stderr() {
			stderr = append(stderr, line)
		}
	}()
	code, err := p.Wait(ctx)
	wg.Wait()
	return code, stdout, stderr, err
}

func TestShellBackend_Stdout(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	code, stdout, _, err := runToExit(t, b, ProcessSpec{Command: "echo one; echo two"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"one", "two"}, stdout)
}

func TestShellBackend_NonZeroExit(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	code, _, stderr, err := runToExit(t, b, ProcessSpec{Command: "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"oops"}, stderr)
}

func TestShellBackend_ArgumentsArePositional(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	_, stdout, _, err := runToExit(t, b, ProcessSpec{
		Command:   "printf '%s\\n'",
		Arguments: []string{"a b", "$HOME"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a b", "$HOME"}, stdout)
}

func TestShellBackend_Environment(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	_, stdout, _, err := runToExit(t, b, ProcessSpec{
		Command:     "echo $GREETING",
		Environment: map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, stdout)
}

func TestShellBackend_WorkDir(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()
	b := NewShellBackend(ShellConfig{WorkDir: dir})

	_, stdout, _, err := runToExit(t, b, ProcessSpec{Command: "pwd -P"})
	require.NoError(t, err)
	require.Len(t, stdout, 1)
	assert.True(t, strings.HasSuffix(stdout[0], strings.TrimPrefix(dir, "/private")))
}

func TestShellBackend_DeniedWorkDir(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()
	b := NewShellBackend(ShellConfig{Limits: isolation.Limits{DenyDirs: []string{dir}}})

	p, err := b.Create(context.Background(), ProcessSpec{Command: "true", WorkDir: dir})
	require.NoError(t, err)
	err = p.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePermission, schema.AsFlowError(err).Code)
}

func TestShellBackend_OutputCapped(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{MaxOutputBytes: 4})

	_, stdout, _, err := runToExit(t, b, ProcessSpec{Command: "echo abcdefgh"})
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd"}, stdout)
}

func TestShellBackend_Stdin(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	_, stdout, _, err := runToExit(t, b, ProcessSpec{Command: "cat", Stdin: "piped\n"})
	require.NoError(t, err)
	assert.Equal(t, []string{"piped"}, stdout)
}

func TestShellBackend_Timeout(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})

	start := time.Now()
	code, _, _, err := runToExit(t, b, ProcessSpec{Command: "sleep 30", Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.Equal(t, schema.ErrCodeTimeout, schema.AsFlowError(err).Code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellBackend_WaitContextCancelled(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})
	p, err := b.Create(context.Background(), ProcessSpec{Command: "sleep 30"})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	go func() {
		for range p.Stdout() {
		}
	}()
	go func() {
		for range p.Stderr() {
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err = p.Wait(ctx)
	require.Error(t, err)
	assert.True(t, schema.IsCancelled(err))
}

func TestShellBackend_SuspendCause(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})
	p, err := b.Create(context.Background(), ProcessSpec{Command: "sleep 30"})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	go func() {
		for range p.Stdout() {
		}
	}()
	go func() {
		for range p.Stderr() {
		}
	}()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(schema.ErrSuspended)
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, schema.ErrSuspended)
}

func TestShellBackend_Stop(t *testing.T) {
	skipWindows(t)
	b := NewShellBackend(ShellConfig{})
	p, err := b.Create(context.Background(), ProcessSpec{Command: "sleep 30"})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	go func() {
		for range p.Stdout() {
		}
	}()
	go func() {
		for range p.Stderr() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	_, err = p.Wait(context.Background())
	assert.True(t, schema.IsCancelled(err))
}

func TestShellBackend_EmptyCommand(t *testing.T) {
	_, err := NewShellBackend(ShellConfig{}).Create(context.Background(), ProcessSpec{Command: "  "})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.AsFlowError(err).Code)
}

func TestShellProcess_WaitBeforeStart(t *testing.T) {
	p, err := NewShellBackend(ShellConfig{}).Create(context.Background(), ProcessSpec{Command: "true"})
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.Error(t, err)
	require.NoError(t, p.Stop(context.Background()))
}

func TestShellProcess_DoubleStart(t *testing.T) {
	skipWindows(t)
	code, _, _, err := runToExit(t, NewShellBackend(ShellConfig{}), ProcessSpec{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	p, err := NewShellBackend(ShellConfig{}).Create(context.Background(), ProcessSpec{Command: "true"})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	go func() {
		for range p.Stdout() {
		}
	}()
	go func() {
		for range p.Stderr() {
		}
	}()
	_, err = p.Wait(context.Background())
	require.NoError(t, err)
}
