package expressions

import (
	"context"
	"fmt"
)

// EvaluateTemplate walks a literal value (as found in set, with and event
// templates) and replaces every string that is a runtime expression with its
// evaluated result. Other values are copied unchanged. Map keys are never
// evaluated.
func (e *Evaluator) EvaluateTemplate(ctx context.Context, template any, input any, args map[string]any) (any, error) {
	switch v := template.(type) {
	case string:
		if !IsExpression(v) {
			return v, nil
		}
		return e.Evaluate(ctx, v, input, args)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			res, err := e.EvaluateTemplate(ctx, item, input, args)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := e.EvaluateTemplate(ctx, item, input, args)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = res
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for key, item := range v {
			res, err := e.EvaluateTemplate(ctx, item, input, args)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = res
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := e.EvaluateTemplate(ctx, item, input, args)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = res
		}
		return out, nil
	}
	return template, nil
}

// EvaluateMap is EvaluateTemplate for the common map-shaped templates.
func (e *Evaluator) EvaluateMap(ctx context.Context, template map[string]any, input any, args map[string]any) (map[string]any, error) {
	if template == nil {
		return map[string]any{}, nil
	}
	out, err := e.EvaluateTemplate(ctx, template, input, args)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// EvaluateString evaluates a template and requires a string result.
func (e *Evaluator) EvaluateString(ctx context.Context, template string, input any, args map[string]any) (string, error) {
	out, err := e.EvaluateTemplate(ctx, template, input, args)
	if err != nil {
		return "", err
	}
	switch s := out.(type) {
	case string:
		return s, nil
	case nil:
		return "", nil
	}
	return fmt.Sprint(out), nil
}
