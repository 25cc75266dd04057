package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*TimeoutIsolator)(nil)

// TimeoutIsolator only enforces Limits.Timeout. It is used wherever kernel
// isolation is unavailable.
type TimeoutIsolator struct{}

func NewTimeoutIsolator() *TimeoutIsolator {
	return &TimeoutIsolator{}
}

func (t *TimeoutIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cmd.Dir != "" {
		if err := limits.CheckDir(cmd.Dir); err != nil {
			return nil, nil, err
		}
	}

	release := func() {}
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		release = cancel
	}
	return rebind(ctx, cmd), release, nil
}

func (t *TimeoutIsolator) Capabilities() Caps { return Caps{} }
