package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Limits constrains a single backend process.
type Limits struct {
	MemoryBytes  int64         `json:"memory_bytes,omitempty"`
	CPUPercent   int           `json:"cpu_percent,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	AllowNetwork bool          `json:"allow_network"`
	// WorkDirs lists the directories a process may be started in. Empty means any.
	WorkDirs []string `json:"work_dirs,omitempty"`
	// DenyDirs always wins over WorkDirs.
	DenyDirs []string `json:"deny_dirs,omitempty"`
}

// CheckDir reports whether a process may use dir as its working directory.
func (l Limits) CheckDir(dir string) error {
	clean, err := resolvePath(dir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePermission, "invalid working directory %q: %v", dir, err)
	}
	for _, deny := range l.DenyDirs {
		base, err := resolvePath(deny)
		if err != nil {
			// An unreadable deny rule denies everything.
			return schema.NewErrorf(schema.ErrCodePermission, "working directory %q denied: bad deny rule %q", dir, deny)
		}
		if within(clean, base) {
			return schema.NewErrorf(schema.ErrCodePermission, "working directory %q is denied", dir)
		}
	}
	if len(l.WorkDirs) == 0 {
		return nil
	}
	for _, allowed := range l.WorkDirs {
		base, err := resolvePath(allowed)
		if err != nil {
			continue
		}
		if within(clean, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePermission, "working directory %q is outside the allowed directories", dir)
}

// resolvePath returns the absolute, symlink-resolved form of path. Missing
// trailing components are kept as written below their deepest existing ancestor.
func resolvePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	rest := ""
	for dir := abs; ; {
		parent := filepath.Dir(dir)
		rest = filepath.Join(filepath.Base(dir), rest)
		if parent == dir {
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		dir = parent
	}
}

// within reports whether path equals base or lies below it.
func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Caps describes what an isolator can enforce.
type Caps struct {
	Memory  bool `json:"memory"`
	CPU     bool `json:"cpu"`
	Network bool `json:"network"`
	PID     bool `json:"pid"`
}

// Isolator prepares a command to run under Limits. The returned release func
// must be called once the process has exited, and the caller must run the
// returned command rather than the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// rebind copies cmd onto a command bound to ctx so that cancellation kills it.
func rebind(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	bound := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	bound.Args = cmd.Args
	bound.Dir = cmd.Dir
	bound.Env = cmd.Env
	bound.Stdin = cmd.Stdin
	bound.Stdout = cmd.Stdout
	bound.Stderr = cmd.Stderr
	bound.Cancel = func() error {
		if bound.Process != nil {
			return bound.Process.Kill()
		}
		return nil
	}
	bound.WaitDelay = 5 * time.Second
	return bound
}
