package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJQ_InputIsDot(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".name", map[string]any{"name": "flowcore"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "flowcore", out)
}

func TestJQ_ArgumentsAsVariables(t *testing.T) {
	e := NewJQEngine()
	args := map[string]any{
		"$context": map[string]any{"count": 2},
		"item":     "x",
	}
	out, err := e.Evaluate(context.Background(), `{n: ($context.count + 1), item: $item, v: .v}`, map[string]any{"v": true}, args)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 3, "item": "x", "v": true}, out)
}

func TestJQ_TypedInputsAreNormalized(t *testing.T) {
	e := NewJQEngine()
	type payload struct {
		Tags []string `json:"tags"`
	}
	out, err := e.Evaluate(context.Background(), ".tags | length", payload{Tags: []string{"a", "b"}}, map[string]any{"$n": int64(4)})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestJQ_MultipleAndEmptyOutputs(t *testing.T) {
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), ".[]", []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out)

	out, err = e.Evaluate(context.Background(), "empty", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQ_ErrorsAreExpressionErrors(t *testing.T) {
	e := NewJQEngine()
	_, err := e.Evaluate(context.Background(), ".a |||", nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.AsFlowError(err).Code)

	_, err = e.Evaluate(context.Background(), `error("boom")`, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.AsFlowError(err).Code)

	_, err = e.Evaluate(context.Background(), "  ", nil, nil)
	require.Error(t, err)
}

func TestJQ_EnvironmentIsHidden(t *testing.T) {
	t.Setenv("FLOWCORE_SECRET_VALUE", "leak")
	e := NewJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV.FLOWCORE_SECRET_VALUE", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQ_ConcurrentUseSharesCache(t *testing.T) {
	e := NewJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ". * 2", n, nil)
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}
