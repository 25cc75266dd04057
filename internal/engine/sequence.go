package engine

import (
	"context"
	"strconv"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

// GetTaskAfter resolves the entry of list that runs after finished, given the
// directive finished produced. It returns nil when the composite is done:
// after the last entry on continue, and always on end or exit.
func GetTaskAfter(list schema.TaskList, finished string, directive schema.FlowDirective) (*schema.TaskItem, error) {
	switch {
	case directive.IsEnd(), directive.IsExit():
		return nil, nil
	case directive.IsContinue():
		i := list.Index(finished)
		if i < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "task %q is not part of the composite", finished)
		}
		if i+1 >= len(list) {
			return nil, nil
		}
		return list[i+1], nil
	}
	next := list.Get(string(directive))
	if next == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "flow directive %q names no task of the composite", directive).
			WithDetails(map[string]any{"from": finished, "then": string(directive)})
	}
	return next, nil
}

func childReference(base string, index int, name string) string {
	return base + "/" + strconv.Itoa(index) + "/" + name
}

type sequenceResult struct {
	Output    any
	OutputRef string
	// Next is exit when a child exited the workflow, continue otherwise.
	Next schema.FlowDirective
	// explicit is set when the last child set its output explicitly.
	explicit bool
}

// runSequence runs list in order from its first entry, following each child's
// directive. Children are referenced as base/<index>/<name>. The output of
// each child is the input of the next one.
func runSequence(ctx context.Context, parent *TaskContext, list schema.TaskList, base string, input any, inputRef string, args expressions.Arguments, hook bool) (*sequenceResult, error) {
	res := &sequenceResult{Output: input, OutputRef: inputRef, Next: schema.FlowContinue}
	if len(list) == 0 {
		return res, nil
	}
	item := list[0]
	for item != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		ref := childReference(base, list.Index(item.Name), item.Name)
		child, err := runChild(ctx, parent, item, ref, res.Output, res.OutputRef, args, hook)
		if err != nil {
			return nil, err
		}
		res.Output, res.OutputRef = child.Output, child.OutputRef
		res.explicit = !child.Skipped && setsOutput(item.Task)
		if child.Next.IsExit() {
			res.Next = schema.FlowExit
			return res, nil
		}
		item, err = GetTaskAfter(list, item.Name, child.Next)
		if err != nil {
			return nil, schema.AsFlowError(err).WithTask(ref)
		}
	}
	return res, nil
}

// runChild creates, initializes and executes the task at ref.
func runChild(ctx context.Context, parent *TaskContext, item *schema.TaskItem, ref string, input any, inputRef string, args expressions.Arguments, hook bool) (*Result, error) {
	tc, err := parent.Workflow.NewTaskContext(parent, item, ref, input)
	if err != nil {
		return nil, err
	}
	tc.InputRef = inputRef
	tc.Args = args
	tc.inExtension = parent.inExtension || hook
	exec, err := NewExecutor(tc)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx)
}

// requireList rejects an empty composite list.
func requireList(list schema.TaskList, what string) error {
	if len(list) == 0 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s has no tasks", what)
	}
	for i, item := range list {
		if item == nil || item.Task == nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "%s entry %d has no task", what, i)
		}
		if item.Name == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "%s entry %d has no name", what, i)
		}
	}
	return nil
}
