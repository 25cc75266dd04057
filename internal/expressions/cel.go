package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/flowcore/pkg/schema"
)

// celVariables are declared in every CEL environment. The input document is
// `input`; arguments drop their leading '$'.
var celVariables = []string{"input", "context", "workflow", "task", "runtime", "item", "index", "error", "output", "secret"}

// CELEngine evaluates Common Expression Language expressions.
// Arguments outside celVariables are exposed under the `args` map.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a dynamic, map-typed environment.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables)+1)
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	opts = append(opts, cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string {
	return LanguageCEL
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation, err := celActivation(input, args)
	if err != nil {
		return nil, evalError(expression, err)
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(expression, err)
	}
	return Normalize(out.Value())
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(expression, "CEL compile error", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError(expression, "CEL program error", err)
	}

	e.cache[expression] = prg
	return prg, nil
}

// celActivation binds every declared variable; missing ones are null so that
// `has()` style checks behave instead of failing on unknown identifiers.
func celActivation(input any, args map[string]any) (map[string]any, error) {
	doc, err := Normalize(input)
	if err != nil {
		return nil, err
	}
	activation := make(map[string]any, len(celVariables)+1)
	for _, name := range celVariables {
		activation[name] = nil
	}
	activation["input"] = doc

	extra := make(map[string]any)
	for name, v := range args {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		short := strings.TrimPrefix(name, "$")
		if _, declared := activation[short]; declared && short != "input" {
			activation[short] = n
		}
		extra[short] = n
	}
	activation["args"] = extra
	return activation, nil
}

var _ Engine = (*CELEngine)(nil)
