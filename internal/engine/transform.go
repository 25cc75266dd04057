package engine

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/pkg/schema"
)

// transformInput validates the task input against input.schema and then
// evaluates input.from.
func (x *taskExecutor) transformInput(ctx context.Context, input any) (any, error) {
	in := x.tc.Task().Base().Input
	if in == nil {
		return input, nil
	}
	if err := x.checkSchema(in.Schema, input, "input"); err != nil {
		return nil, err
	}
	if in.From == nil {
		return input, nil
	}
	out, err := x.tc.Workflow.svc.Evaluator.EvaluateTemplate(ctx, in.From, input, x.args)
	if err != nil {
		return nil, err
	}
	x.inputRef = ""
	return out, nil
}

// transformOutput evaluates output.as against the raw output and validates
// the result against output.schema.
func (x *taskExecutor) transformOutput(ctx context.Context, output any) (any, error) {
	o := x.tc.Task().Base().Output
	if o == nil {
		return output, nil
	}
	if o.As != nil {
		args := x.args.With(expressions.ArgOutput, output)
		v, err := x.tc.Workflow.svc.Evaluator.EvaluateTemplate(ctx, o.As, output, args)
		if err != nil {
			return nil, err
		}
		output = v
	}
	if err := x.checkSchema(o.Schema, output, "output"); err != nil {
		return nil, err
	}
	return output, nil
}

// exportContext evaluates export.as against the transformed output and
// merges the resulting object into the workflow's $context.
func (x *taskExecutor) exportContext(ctx context.Context, output any) error {
	e := x.tc.Task().Base().Export
	if e == nil || e.As == nil {
		return nil
	}
	wc := x.tc.Workflow
	args := x.args.
		With(expressions.ArgOutput, output).
		With(expressions.ArgContext, wc.Variables())
	v, err := wc.svc.Evaluator.EvaluateTemplate(ctx, e.As, output, args)
	if err != nil {
		return err
	}
	if err := x.checkSchema(e.Schema, v, "export"); err != nil {
		return err
	}
	vars, ok := v.(map[string]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExpression, "export.as must produce an object, got %T", v)
	}
	return wc.MergeVariables(vars)
}

func (x *taskExecutor) checkSchema(s *schema.Schema, value any, what string) error {
	if s == nil || len(s.Document) == 0 {
		return nil
	}
	if s.Format != "" && s.Format != "json" {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported %s schema format %q", what, s.Format)
	}
	if err := x.tc.Workflow.svc.Schemas.Validate(s.Document, value); err != nil {
		fe := schema.AsFlowError(err)
		fe.Message = fmt.Sprintf("%s: %s", what, fe.Message)
		return fe
	}
	return nil
}
