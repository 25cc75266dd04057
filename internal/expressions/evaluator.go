package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/flowcore/pkg/schema"
)

// Evaluator resolves runtime expressions ("${ ... }") with the configured
// default language. Strict expressions without the ${} wrapper are also
// accepted. It is safe for concurrent use.
type Evaluator struct {
	engine  Engine
	engines map[string]Engine
}

// NewEvaluator builds an Evaluator whose default language is language
// (jq when empty). All three engines stay reachable through EvaluateWith.
func NewEvaluator(language string) (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	engines := map[string]Engine{
		LanguageJQ:   NewJQEngine(),
		LanguageCEL:  celEngine,
		LanguageExpr: NewExprEngine(),
	}
	if language == "" {
		language = LanguageJQ
	}
	engine, ok := engines[language]
	if !ok {
		return nil, fmt.Errorf("unknown expression language %q", language)
	}
	return &Evaluator{engine: engine, engines: engines}, nil
}

// Language returns the default language name.
func (e *Evaluator) Language() string {
	return e.engine.Name()
}

// Evaluate evaluates a single expression against input and args.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error) {
	return e.engine.Evaluate(ctx, StripExpression(expression), input, args)
}

// EvaluateWith evaluates with an explicitly named language.
func (e *Evaluator) EvaluateWith(ctx context.Context, language, expression string, input any, args map[string]any) (any, error) {
	engine, ok := e.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q", language)
	}
	return engine.Evaluate(ctx, StripExpression(expression), input, args)
}

// EvaluateBool evaluates a guard expression. Only a boolean result is
// accepted; null counts as false.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, input any, args map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, input, args)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"expression %q must evaluate to a boolean, got %T", expression, v)
}

// IsExpression reports whether s is a runtime expression of the form ${ ... }.
func IsExpression(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}")
}

// StripExpression removes the ${ } wrapper if present.
func StripExpression(s string) string {
	t := strings.TrimSpace(s)
	if IsExpression(t) {
		return strings.TrimSpace(t[2 : len(t)-1])
	}
	return t
}
