package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/pkg/schema"
)

// errCompeteSettled cancels the losing branches of a competing fork.
var errCompeteSettled = errors.New("fork settled by a competing branch")

// doStrategy runs its children in order, or all at once in concurrent mode.
type doStrategy struct{ task *schema.DoTask }

func (s *doStrategy) validate(*TaskContext) error {
	switch s.task.Mode {
	case "", schema.ModeSequential, schema.ModeConcurrent:
	default:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown do mode %q", s.task.Mode)
	}
	return requireList(s.task.Do, "do task")
}

func (s *doStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	base := x.tc.Reference() + "/do"
	if x.tc.synthetic {
		base = "/do"
	}
	if s.task.Mode == schema.ModeConcurrent {
		return runConcurrent(ctx, x, s.task.Do, base, input, false)
	}
	res, err := runSequence(ctx, x.tc, s.task.Do, base, input, x.inputRef, x.args, false)
	if err != nil {
		return nil, "", err
	}
	if res.Next.IsExit() {
		return res.Output, schema.FlowExit, nil
	}
	return res.Output, "", nil
}

// forkStrategy runs its branches concurrently.
type forkStrategy struct{ task *schema.ForkTask }

func (s *forkStrategy) validate(*TaskContext) error {
	return requireList(s.task.Fork.Branches, "fork task")
}

func (s *forkStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	return runConcurrent(ctx, x, s.task.Fork.Branches, x.tc.Reference()+"/fork/branches", input, s.task.Fork.Compete)
}

// runConcurrent starts every entry of list with the same input and joins
// them. The output lists the children's outputs in declaration order. The
// first fault cancels the remaining children and becomes the composite's
// fault. When compete is set the first child to complete wins: its output
// is the composite's output and the others are cancelled.
func runConcurrent(ctx context.Context, x *taskExecutor, list schema.TaskList, base string, input any, compete bool) (any, schema.FlowDirective, error) {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	g, gctx := errgroup.WithContext(runCtx)
	if limit := x.tc.Workflow.svc.Options.MaxForkConcurrency; limit > 0 {
		g.SetLimit(limit)
	}

	var (
		outputs = make([]any, len(list))
		exited  atomic.Bool
		settled atomic.Bool
		once    sync.Once
		winner  *Result
	)
	for i, item := range list {
		ref := childReference(base, i, item.Name)
		g.Go(func() error {
			res, err := runChild(gctx, x.tc, item, ref, input, "", x.args, false)
			if err != nil {
				if settled.Load() {
					return nil
				}
				return err
			}
			outputs[i] = res.Output
			if res.Next.IsExit() {
				exited.Store(true)
			}
			if compete {
				once.Do(func() {
					winner = res
					settled.Store(true)
					stop(errCompeteSettled)
				})
			}
			return nil
		})
	}
	err := g.Wait()

	if compete && winner != nil {
		if winner.Next.IsExit() {
			return winner.Output, schema.FlowExit, nil
		}
		return winner.Output, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if exited.Load() {
		return outputs, schema.FlowExit, nil
	}
	return outputs, "", nil
}
