//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	cgroupPrefix = "flowcore"
	cpuPeriodUS  = 100000
	removeTries  = 10
	removeDelay  = 50 * time.Millisecond
)

var _ Isolator = (*CgroupIsolator)(nil)

// CgroupIsolator places each process in its own cgroup v2 leaf and, where
// permitted, in fresh PID and network namespaces.
type CgroupIsolator struct {
	base string
	caps Caps
}

// NewCgroupIsolator fails when cgroups v2 is not mounted or not writable.
func NewCgroupIsolator() (*CgroupIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := parseControllers(string(data))

	base := filepath.Join(cgroupRoot, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", base, err)
	}
	var enable []string
	for _, c := range []string{"memory", "cpu", "pids"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) > 0 {
		if err := os.WriteFile(filepath.Join(base, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644); err != nil {
			return nil, fmt.Errorf("enable cgroup controllers: %w", err)
		}
	}

	return &CgroupIsolator{
		base: base,
		caps: Caps{
			Memory:  controllers["memory"],
			CPU:     controllers["cpu"],
			Network: true,
			PID:     controllers["pids"],
		},
	}, nil
}

func (c *CgroupIsolator) Capabilities() Caps { return c.caps }

func (c *CgroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cmd.Dir != "" {
		if err := limits.CheckDir(cmd.Dir); err != nil {
			return nil, nil, err
		}
	}

	leaf := filepath.Join(c.base, uuid.New().String())
	if err := os.Mkdir(leaf, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", leaf, err)
	}
	if err := c.applyLimits(leaf, limits); err != nil {
		removeLeaf(leaf)
		return nil, nil, err
	}
	fd, err := syscall.Open(leaf, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		removeLeaf(leaf)
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	var cancel context.CancelFunc
	if limits.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	wrapped := rebind(ctx, cmd)

	var flags uintptr
	if c.caps.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{UseCgroupFD: true, CgroupFD: fd, Cloneflags: flags}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = syscall.Close(fd)
			if cancel != nil {
				cancel()
			}
			removeLeaf(leaf)
		})
	}
	return wrapped, release, nil
}

func (c *CgroupIsolator) applyLimits(leaf string, limits Limits) error {
	if limits.MemoryBytes > 0 && c.caps.Memory {
		if err := writeControl(leaf, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		_ = writeControl(leaf, "memory.swap.max", "0")
	}
	if limits.CPUPercent > 0 && c.caps.CPU {
		if err := writeControl(leaf, "cpu.max", cpuMax(limits.CPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeControl(leaf, file, value string) error {
	return os.WriteFile(filepath.Join(leaf, file), []byte(value), 0o644)
}

// cpuMax renders a percentage of one CPU in cpu.max "QUOTA PERIOD" form.
func cpuMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriodUS)
	}
	return fmt.Sprintf("%d %d", cpuPeriodUS*percent/100, cpuPeriodUS)
}

// removeLeaf kills whatever is left in the cgroup, then removes it.
func removeLeaf(leaf string) {
	if err := writeControl(leaf, "cgroup.kill", "1"); err != nil {
		killProcs(leaf)
	}
	for range removeTries {
		if err := os.Remove(leaf); err == nil {
			return
		}
		time.Sleep(removeDelay)
	}
	slog.Warn("isolation: cgroup not removed", slog.String("path", leaf))
}

func killProcs(leaf string) {
	f, err := os.Open(filepath.Join(leaf, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil && pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(data) {
		m[c] = true
	}
	return m
}
