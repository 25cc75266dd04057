package engine

import (
	"github.com/rendis/flowcore/pkg/schema"
)

// NewExecutor returns the executor for the task bound to tc. Every task kind
// has exactly one strategy; an unknown kind is a configuration error.
func NewExecutor(tc *TaskContext) (TaskExecutor, error) {
	if tc == nil || tc.Item == nil || tc.Item.Task == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "cannot create an executor without a task")
	}
	var s strategy
	switch t := tc.Item.Task.(type) {
	case *schema.SetTask:
		s = &setStrategy{task: t}
	case *schema.SwitchTask:
		s = &switchStrategy{task: t}
	case *schema.RunTask:
		s = &runStrategy{task: t}
	case *schema.EmitTask:
		s = &emitStrategy{task: t}
	case *schema.CallTask:
		s = &callStrategy{task: t}
	case *schema.DoTask:
		s = &doStrategy{task: t}
	case *schema.ForkTask:
		s = &forkStrategy{task: t}
	case *schema.TryTask:
		s = &tryStrategy{task: t}
	case *schema.ForTask:
		s = &forStrategy{task: t}
	case *schema.ListenTask:
		s = &listenStrategy{task: t}
	case *schema.WaitTask:
		s = &waitStrategy{task: t}
	case *schema.RaiseTask:
		s = &raiseStrategy{task: t}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported task kind %q", tc.Item.Task.Kind())
	}
	return newTaskExecutor(tc, s), nil
}
