package engine

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

// forStrategy runs its body once per item of a collection. Every iteration
// receives the task's input; the output collects the iteration outputs.
type forStrategy struct{ task *schema.ForTask }

func (s *forStrategy) validate(*TaskContext) error {
	if s.task.For.In == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "for task has no collection")
	}
	return requireList(s.task.Do, "for task")
}

func (s *forStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	ev := x.tc.Workflow.svc.Evaluator
	v, err := ev.Evaluate(ctx, s.task.For.In, input, x.args)
	if err != nil {
		return nil, "", err
	}
	var items []any
	switch c := v.(type) {
	case nil:
	case []any:
		items = c
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeExpression, "for collection must be an array, got %T", v)
	}

	each, at := s.task.For.Each, s.task.For.At
	if each == "" {
		each = "item"
	}
	if at == "" {
		at = "index"
	}
	outputs := make([]any, 0, len(items))
	for i, item := range items {
		args := x.args.With(each, item).With(at, i)
		if s.task.While != "" {
			ok, err := ev.EvaluateBool(ctx, s.task.While, input, args)
			if err != nil {
				return nil, "", err
			}
			if !ok {
				break
			}
		}
		base := fmt.Sprintf("%s/for/%d/do", x.tc.Reference(), i)
		res, err := runSequence(ctx, x.tc, s.task.Do, base, input, x.inputRef, args, false)
		if err != nil {
			return nil, "", err
		}
		outputs = append(outputs, res.Output)
		if res.Next.IsExit() {
			return outputs, schema.FlowExit, nil
		}
	}
	return outputs, "", nil
}
