package expressions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/flowcore/pkg/schema"
)

// JQEngine evaluates jq expressions with GoJQ. The input document is `.` and
// every argument is bound as a jq variable ($context, $item, ...).
// Compiled code is cached per expression and variable set.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a new jq expression engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *JQEngine) Name() string {
	return LanguageJQ
}

// Evaluate runs the expression. A single output is returned as-is, multiple
// outputs are collected into a slice and no output yields nil.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, variableName(name))
	}
	sort.Strings(names)

	code, err := e.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(names))
	for i, name := range names {
		v, ok := args[name]
		if !ok {
			v = args[strings.TrimPrefix(name, "$")]
		}
		values[i], err = Normalize(v)
		if err != nil {
			return nil, evalError(expression, err)
		}
	}
	doc, err := Normalize(input)
	if err != nil {
		return nil, evalError(expression, err)
	}

	iter := code.RunWithContext(ctx, doc, values...)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				break
			}
			return nil, evalError(expression, err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *JQEngine) getOrCompile(expression string, names []string) (*gojq.Code, error) {
	key := expression + "\x00" + strings.Join(names, ",")

	e.mu.RLock()
	if code, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[key]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(expression, "jq parse error", err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(names),
		// $ENV and env are not exposed to workflow authors.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError(expression, "jq compile error", err)
	}

	e.cache[key] = code
	return code, nil
}

func variableName(name string) string {
	if strings.HasPrefix(name, "$") {
		return name
	}
	return "$" + name
}

func compileError(expression, prefix string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s in %q: %s", prefix, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExpression, "evaluation of %q failed: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*JQEngine)(nil)
