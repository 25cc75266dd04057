package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/pkg/schema"
)

// setStrategy evaluates its mapping into the output.
type setStrategy struct{ task *schema.SetTask }

func (s *setStrategy) validate(*TaskContext) error {
	if s.task.Set == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "set task has no mapping")
	}
	return nil
}

func (s *setStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	out, err := x.tc.Workflow.svc.Evaluator.EvaluateTemplate(ctx, s.task.Set, input, x.args)
	if err != nil {
		return nil, "", err
	}
	return out, "", nil
}

// switchStrategy routes to the single matching case.
type switchStrategy struct{ task *schema.SwitchTask }

func (s *switchStrategy) validate(*TaskContext) error {
	if len(s.task.Switch) == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "switch task has no cases")
	}
	defaults := 0
	for i, c := range s.task.Switch {
		if c == nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "switch case %d is empty", i)
		}
		if c.When == "" {
			defaults++
		}
	}
	if defaults > 1 {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "switch task has %d default cases", defaults)
	}
	return nil
}

func (s *switchStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	var (
		fallback *schema.SwitchCase
		matched  []string
		selected *schema.SwitchCase
	)
	for _, c := range s.task.Switch {
		if c.When == "" {
			fallback = c
			continue
		}
		ok, err := x.tc.Workflow.svc.Evaluator.EvaluateBool(ctx, c.When, input, x.args)
		if err != nil {
			return nil, "", err
		}
		if ok {
			matched = append(matched, c.Name)
			if selected == nil {
				selected = c
			}
		}
	}
	switch {
	case len(matched) > 1:
		return nil, "", schema.NewErrorf(schema.ErrCodeConfiguration, "switch is ambiguous: %d cases match", len(matched)).
			WithDetails(map[string]any{"cases": matched})
	case selected == nil && fallback == nil:
		return nil, "", schema.NewError(schema.ErrCodeConfiguration, "no switch case matched and no default is defined")
	case selected == nil:
		selected = fallback
	}
	return input, selected.Then.Normalize(), nil
}

// waitStrategy sleeps for the configured duration.
type waitStrategy struct{ task *schema.WaitTask }

func (s *waitStrategy) validate(*TaskContext) error {
	if s.task.Wait.Duration < 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "wait duration is negative")
	}
	return nil
}

func (s *waitStrategy) execute(ctx context.Context, _ *taskExecutor, input any) (any, schema.FlowDirective, error) {
	if s.task.Wait.Duration == 0 {
		return input, "", nil
	}
	timer := time.NewTimer(s.task.Wait.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return input, "", nil
	case <-ctx.Done():
		return nil, "", context.Cause(ctx)
	}
}

// raiseStrategy faults with the configured error.
type raiseStrategy struct{ task *schema.RaiseTask }

func (s *raiseStrategy) validate(*TaskContext) error {
	if s.task.Raise.Error.Type == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "raise task has no error type")
	}
	return nil
}

func (s *raiseStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	def := s.task.Raise.Error
	ev := x.tc.Workflow.svc.Evaluator
	title, err := ev.EvaluateTemplate(ctx, def.Title, input, x.args)
	if err != nil {
		return nil, "", err
	}
	detail, err := ev.EvaluateTemplate(ctx, def.Detail, input, x.args)
	if err != nil {
		return nil, "", err
	}
	fe := schema.NewError(schema.CodeForType(def.Type), asString(detail))
	fe.Type = errorType(def.Type)
	fe.Title = asString(title)
	if def.Status != 0 {
		fe.Status = def.Status
	}
	if fe.Message == "" {
		fe.Message = fe.Title
	}
	return nil, "", fe
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	return fmt.Sprint(v)
}

// errorType expands a short standard error type to its URI.
func errorType(t string) string {
	if strings.Contains(t, "://") {
		return t
	}
	return schema.ErrorTypeBase + t
}

// emitStrategy publishes a CloudEvent built from its template.
type emitStrategy struct{ task *schema.EmitTask }

func (s *emitStrategy) validate(tc *TaskContext) error {
	if len(s.task.Emit.Event.With) == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "emit task has no event attributes")
	}
	if tc.Workflow.svc.Bus == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "emit task requires an event bus")
	}
	return nil
}

func (s *emitStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	wc := x.tc.Workflow
	v, err := wc.svc.Evaluator.EvaluateTemplate(ctx, s.task.Emit.Event.With, input, x.args)
	if err != nil {
		return nil, "", err
	}
	attrs, ok := v.(map[string]any)
	if !ok {
		return nil, "", schema.NewErrorf(schema.ErrCodeExpression, "event attributes must evaluate to an object, got %T", v)
	}
	ev, err := schema.CloudEventFromMap(attrs)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithCause(err)
	}
	if ev.Type == "" {
		return nil, "", schema.NewError(schema.ErrCodeConfiguration, "emitted event has no type")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.SpecVersion == "" {
		ev.SpecVersion = schema.CloudEventSpecVersion
	}
	if ev.Time == nil {
		now := time.Now().UTC()
		ev.Time = &now
	}
	if ev.Source == "" {
		ev.Source = fmt.Sprintf("%s/%s/%s", schema.EventSource, wc.def.Document.Namespace, wc.def.Document.Name)
	}
	if err := wc.svc.Bus.Publish(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return nil, "", context.Cause(ctx)
		}
		return nil, "", schema.NewError(schema.ErrCodeCommunication, "publish event").WithCause(err)
	}
	return ev.ToMap(), "", nil
}
