package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowcore/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. The environment exposes the
// input document as `input` and each argument without its leading '$'.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string {
	return LanguageExpr
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env, err := exprEnv(input, args)
	if err != nil {
		return nil, evalError(expression, err)
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError(expression, err)
	}
	return Normalize(out)
}

// getOrCompile compiles without a typed env: variables vary per call, so
// undefined names resolve to nil at run time.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(expression, "expr compile error", err)
	}
	e.cache[expression] = prg
	return prg, nil
}

func exprEnv(input any, args map[string]any) (map[string]any, error) {
	doc, err := Normalize(input)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any, len(args)+1)
	for name, v := range args {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		env[strings.TrimPrefix(name, "$")] = n
	}
	env["input"] = doc
	return env, nil
}

var _ Engine = (*ExprEngine)(nil)
