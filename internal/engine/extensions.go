package engine

import (
	"context"
	"fmt"

	"github.com/rendis/flowcore/pkg/schema"
)

const (
	phaseBefore = "before"
	phaseAfter  = "after"
)

type matchedExtension struct {
	index int
	ext   *schema.NamedExtension
}

// matchExtensions selects, in declaration order, the extensions that apply to
// the executing task. Tasks run by an extension are never extended.
func (x *taskExecutor) matchExtensions(ctx context.Context) ([]matchedExtension, error) {
	tc, wc := x.tc, x.tc.Workflow
	if tc.inExtension || tc.synthetic || wc.def.Use == nil || len(wc.def.Use.Extensions) == 0 {
		return nil, nil
	}
	kind := string(tc.Instance.Kind)
	identity := map[string]any{
		"name":      tc.Instance.Name,
		"kind":      kind,
		"reference": tc.Instance.Reference,
	}
	var matched []matchedExtension
	for i, ne := range wc.def.Use.Extensions {
		if ne == nil || ne.Extension == nil {
			continue
		}
		e := ne.Extension
		if e.Extend != schema.ExtendAll && e.Extend != kind {
			continue
		}
		if e.When != "" {
			ok, err := wc.svc.Evaluator.EvaluateBool(ctx, e.When, identity, nil)
			if err != nil {
				return nil, schema.AsFlowError(err).WithDetails(map[string]any{"extension": ne.Name})
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, matchedExtension{index: i, ext: ne})
	}
	return matched, nil
}

// runHooks runs the before or after list of every matched extension as a
// sequence of child tasks. A hook replaces the host's working data only when
// its last task set output explicitly. An exit directive stops the remaining
// hooks and is returned to the host.
func (x *taskExecutor) runHooks(ctx context.Context, exts []matchedExtension, phase string, data any) (any, bool, schema.FlowDirective, error) {
	changed := false
	for _, m := range exts {
		list := m.ext.Extension.Before
		if phase == phaseAfter {
			list = m.ext.Extension.After
		}
		if len(list) == 0 {
			continue
		}
		base := fmt.Sprintf("%s/extensions/%d/%s/%s", x.tc.Reference(), m.index, m.ext.Name, phase)
		res, err := runSequence(ctx, x.tc, list, base, data, "", x.args, true)
		if err != nil {
			return nil, false, "", err
		}
		if res.explicit {
			data = res.Output
			changed = true
		}
		if res.Next.IsExit() {
			return data, changed, schema.FlowExit, nil
		}
	}
	return data, changed, "", nil
}

// setsOutput reports whether a task produces its output explicitly.
func setsOutput(task schema.Task) bool {
	if _, ok := task.(*schema.SetTask); ok {
		return true
	}
	base := task.Base()
	return (base.Output != nil && base.Output.As != nil) || (base.Export != nil && base.Export.As != nil)
}
