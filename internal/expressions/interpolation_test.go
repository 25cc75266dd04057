package expressions

import (
	"context"
	"testing"

	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator("")
	require.NoError(t, err)
	return ev
}

func TestEvaluator_DefaultsToJQ(t *testing.T) {
	ev := newTestEvaluator(t)
	assert.Equal(t, LanguageJQ, ev.Language())

	_, err := NewEvaluator("lua")
	assert.Error(t, err)
}

func TestEvaluator_StripsWrapper(t *testing.T) {
	ev := newTestEvaluator(t)
	out, err := ev.Evaluate(context.Background(), "${ .a }", map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = ev.Evaluate(context.Background(), ".a", map[string]any{"a": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestEvaluator_EvaluateWith(t *testing.T) {
	ev := newTestEvaluator(t)
	out, err := ev.EvaluateWith(context.Background(), LanguageCEL, "${ input.a + 1 }", map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	_, err = ev.EvaluateWith(context.Background(), "lua", "1", nil, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.AsFlowError(err).Code)
}

func TestEvaluator_EvaluateBool(t *testing.T) {
	ev := newTestEvaluator(t)
	ok, err := ev.EvaluateBool(context.Background(), "${ .n > 1 }", map[string]any{"n": 3}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateBool(context.Background(), "${ .missing }", map[string]any{}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ev.EvaluateBool(context.Background(), "${ .n }", map[string]any{"n": 3}, nil)
	assert.Error(t, err)
}

func TestEvaluateTemplate_OnlyExpressionsAreEvaluated(t *testing.T) {
	ev := newTestEvaluator(t)
	tpl := map[string]any{
		"literal": "plain .a",
		"expr":    "${ .a }",
		"nested":  map[string]any{"list": []any{"${ $item }", 3, true}},
		"${ .a }": "keys stay literal",
	}
	out, err := ev.EvaluateTemplate(context.Background(), tpl, map[string]any{"a": "A"}, map[string]any{"$item": "I"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"literal": "plain .a",
		"expr":    "A",
		"nested":  map[string]any{"list": []any{"I", 3, true}},
		"${ .a }": "keys stay literal",
	}, out)
}

func TestEvaluateTemplate_ErrorCarriesPath(t *testing.T) {
	ev := newTestEvaluator(t)
	_, err := ev.EvaluateMap(context.Background(), map[string]any{"bad": "${ .a | |}"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, schema.ErrCodeExpression, schema.AsFlowError(err).Code)
}

func TestIsExpression(t *testing.T) {
	assert.True(t, IsExpression("${ .a }"))
	assert.True(t, IsExpression("  ${.a}  "))
	assert.False(t, IsExpression("$ .a"))
	assert.False(t, IsExpression("text ${ .a }"))
	assert.Equal(t, ".a", StripExpression("${ .a }"))
}
