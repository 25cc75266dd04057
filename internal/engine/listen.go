package engine

import (
	"context"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/pkg/schema"
)

// listenStrategy waits for events matching its consumption strategy.
type listenStrategy struct{ task *schema.ListenTask }

func (s *listenStrategy) validate(tc *TaskContext) error {
	to := s.task.Listen.To
	set := 0
	if to.One != nil {
		set++
	}
	if len(to.Any) > 0 {
		set++
	}
	if len(to.All) > 0 {
		set++
	}
	if set != 1 {
		return schema.NewError(schema.ErrCodeConfiguration, "listen task needs exactly one of one, any or all")
	}
	if to.Until != "" && len(to.Any) == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "listen until applies to any only")
	}
	if tc.Workflow.svc.Bus == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "listen task requires an event bus")
	}
	return nil
}

func (s *listenStrategy) execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error) {
	wc := x.tc.Workflow
	to := s.task.Listen.To
	specs := to.All
	switch {
	case to.One != nil:
		specs = []schema.EventFilter{*to.One}
	case len(to.Any) > 0:
		specs = to.Any
	}
	filters := make([]eventbus.Filter, len(specs))
	for i, spec := range specs {
		f, err := s.filter(ctx, x, spec, input)
		if err != nil {
			return nil, "", err
		}
		filters[i] = f
	}

	events, unsubscribe, err := wc.svc.Bus.Subscribe(ctx, eventbus.Filter{
		Predicate: func(e *schema.CloudEvent) bool {
			for _, f := range filters {
				if f.Match(e) {
					return true
				}
			}
			return false
		},
	})
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeCommunication, "subscribe to events").WithCause(err)
	}
	defer unsubscribe()

	var (
		received []any
		matched  = make([]map[string]any, len(filters))
		pending  = len(filters)
	)
	for {
		var ev *schema.CloudEvent
		select {
		case <-ctx.Done():
			return nil, "", context.Cause(ctx)
		case e, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil, "", context.Cause(ctx)
				}
				return nil, "", schema.NewError(schema.ErrCodeCommunication, "event subscription closed")
			}
			ev = e
		}

		switch {
		case to.One != nil:
			return []any{ev.ToMap()}, "", nil
		case len(to.Any) > 0:
			received = append(received, ev.ToMap())
			if to.Until == "" {
				return received, "", nil
			}
			done, err := wc.svc.Evaluator.EvaluateBool(ctx, to.Until, received, x.args)
			if err != nil {
				return nil, "", err
			}
			if done {
				return received, "", nil
			}
		default:
			for i, f := range filters {
				if matched[i] == nil && f.Match(ev) {
					matched[i] = ev.ToMap()
					pending--
					break
				}
			}
			if pending == 0 {
				out := make([]any, len(matched))
				for i, m := range matched {
					out[i] = m
				}
				return out, "", nil
			}
		}
	}
}

// filter evaluates an event filter template into a bus filter. type, source
// and subject are matched directly; every other attribute as a subset.
func (s *listenStrategy) filter(ctx context.Context, x *taskExecutor, spec schema.EventFilter, input any) (eventbus.Filter, error) {
	var f eventbus.Filter
	v, err := x.tc.Workflow.svc.Evaluator.EvaluateTemplate(ctx, spec.With, input, x.args)
	if err != nil {
		return f, err
	}
	attrs, _ := v.(map[string]any)
	for k, val := range attrs {
		str, isString := val.(string)
		switch {
		case k == "type" && isString:
			f.Types = []string{str}
		case k == "source" && isString:
			f.Source = str
		case k == "subject" && isString:
			f.Subject = str
		default:
			if f.Attributes == nil {
				f.Attributes = map[string]any{}
			}
			f.Attributes[k] = val
		}
	}
	return f, nil
}
