// Package backend creates and observes the processes started by run tasks.
package backend

import (
	"context"
	"time"
)

// ProcessSpec describes a process to create.
type ProcessSpec struct {
	Command     string            `json:"command"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Stdin       string            `json:"stdin,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// Backend creates processes. Create only prepares the process; Start runs it.
type Backend interface {
	Create(ctx context.Context, spec ProcessSpec) (Process, error)
}

// Process is a single started-or-startable process.
//
// Stdout and Stderr deliver output line by line and are closed when the
// process exits. Callers must drain both channels, otherwise the process
// blocks once the channel buffers fill.
type Process interface {
	Start(ctx context.Context) error
	// Wait blocks until exit and returns the exit code. A non-zero exit is not
	// an error. If ctx ends first the process is stopped and ctx's cause returned.
	Wait(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Stdout() <-chan string
	Stderr() <-chan string
}
