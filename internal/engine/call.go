package engine

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// callStrategy invokes a workflow function (a task declared under
// use.functions) or a function from the registry.
type callStrategy struct{ task *schema.CallTask }

func (s *callStrategy) validate(tc *TaskContext) error {
	name := s.task.Call
	if name == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "call task names no function")
	}
	if s.declared(tc) != nil {
		return nil
	}
	if !tc.Workflow.svc.Functions.Has(name) {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "function %q is not defined", name)
	}
	return nil
}

func (s *callStrategy) declared(tc *TaskContext) schema.Task {
	use := tc.Workflow.def.Use
	if use == nil {
		return nil
	}
	return use.Functions[s.task.Call]
}

func (s *callStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	wc := x.tc.Workflow
	v, err := wc.svc.Evaluator.EvaluateTemplate(ctx, s.task.With, input, x.args)
	if err != nil {
		return nil, "", err
	}
	with, _ := v.(map[string]any)

	if def := s.declared(x.tc); def != nil {
		childInput := input
		if len(with) > 0 {
			childInput = with
		}
		item := &schema.TaskItem{Name: s.task.Call, Task: def}
		res, err := runChild(ctx, x.tc, item, x.tc.Reference()+"/call/"+s.task.Call, childInput, "", x.args, false)
		if err != nil {
			return nil, "", err
		}
		if res.Next.IsExit() {
			return res.Output, schema.FlowExit, nil
		}
		return res.Output, "", nil
	}

	out, err := wc.svc.Functions.Call(ctx, s.task.Call, with)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", context.Cause(ctx)
		}
		return nil, "", backendFault(err)
	}
	return out, "", nil
}

// backendFault reports a function's transport failure as a runtime fault.
// The original code is kept under details.kind; every other code passes
// through.
func backendFault(err error) error {
	fe := schema.AsFlowError(err)
	if fe.Code != schema.ErrCodeCommunication {
		return err
	}
	details := make(map[string]any, len(fe.Details)+1)
	for k, v := range fe.Details {
		details[k] = v
	}
	details["kind"] = "communication"
	out := schema.NewError(schema.ErrCodeRuntime, fe.Message).
		WithDetails(details).
		WithCause(err)
	out.Title = fe.Title
	if fe.Status != 0 {
		out.Status = fe.Status
	}
	return out
}
