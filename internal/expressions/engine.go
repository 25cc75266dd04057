package expressions

import "context"

// Engine evaluates expressions of one language against an input document and
// a set of named arguments.
// Three implementations: jq (default), CEL and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error)
}

// Language names accepted by NewEvaluator.
const (
	LanguageJQ   = "jq"
	LanguageCEL  = "cel"
	LanguageExpr = "expr"
)
