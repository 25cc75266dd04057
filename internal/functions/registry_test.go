package functions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func echoFunc(name string) *Func {
	return &Func{
		FuncName: name,
		Desc:     Descriptor{Description: "echoes its args"},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestRegistry_RegisterAndCall(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoFunc("echo")))

	out, err := r.Call(context.Background(), "echo", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
	assert.True(t, r.Has("echo"))
}

func TestRegistry_NilArgsBecomeEmpty(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoFunc("echo")))

	out, err := r.Call(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoFunc("echo")))
	err := r.Register(echoFunc("echo"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.AsFlowError(err).Code)
}

func TestRegistry_RejectsNilAndEmpty(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(echoFunc("")))
}

func TestRegistry_NotFound(t *testing.T) {
	_, err := NewRegistry(nil).Call(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsFlowError(err).Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoFunc("zeta")))
	require.NoError(t, r.Register(echoFunc("alpha")))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestRegistry_RegisterPrefixed(t *testing.T) {
	r := NewRegistry(nil)
	n, err := r.RegisterPrefixed("tools", []Function{echoFunc("a"), echoFunc("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fn, err := r.Get("tools.a")
	require.NoError(t, err)
	assert.Equal(t, "tools.a", fn.Name())

	n, err = r.RegisterPrefixed("tools", []Function{echoFunc("c"), echoFunc("a")})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	_, err = r.RegisterPrefixed("", nil)
	assert.Error(t, err)
}

func TestRegistry_ArgsSchema(t *testing.T) {
	r := NewRegistry(nil)
	fn := echoFunc("typed")
	fn.Desc.ArgsSchema = json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`)
	require.NoError(t, r.Register(fn))

	_, err := r.Call(context.Background(), "typed", map[string]any{"n": 3})
	require.NoError(t, err)

	_, err = r.Call(context.Background(), "typed", map[string]any{"n": "three"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.AsFlowError(err).Code)

	_, err = r.Call(context.Background(), "typed", map[string]any{})
	assert.Error(t, err)
}

func TestRegistry_InvalidArgsSchema(t *testing.T) {
	fn := echoFunc("broken")
	fn.Desc.ArgsSchema = json.RawMessage(`{"type": 12}`)
	err := NewRegistry(nil).Register(fn)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.AsFlowError(err).Code)
}

func TestRegistry_PlainErrorsClassified(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&Func{
		FuncName: "boom",
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	}))
	_, err := r.Call(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRuntime, schema.AsFlowError(err).Code)
}

func TestRegistry_BreakerGuardsRemote(t *testing.T) {
	breakers := NewBreakers(BreakerConfig{Threshold: 2, Cooldown: time.Hour})
	r := NewRegistry(breakers)
	calls := 0
	require.NoError(t, r.Register(&Func{
		FuncName: "flaky",
		Desc:     Descriptor{Remote: true},
		Fn: func(context.Context, map[string]any) (any, error) {
			calls++
			return nil, schema.NewError(schema.ErrCodeCommunication, "down")
		},
	}))

	for i := 0; i < 2; i++ {
		_, err := r.Call(context.Background(), "flaky", nil)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, breakers.State("flaky"))

	_, err := r.Call(context.Background(), "flaky", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, 2, calls)
}

func TestRegistry_BreakerIgnoresPermanentErrors(t *testing.T) {
	breakers := NewBreakers(BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	r := NewRegistry(breakers)
	require.NoError(t, r.Register(&Func{
		FuncName: "strict",
		Desc:     Descriptor{Remote: true},
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
		},
	}))

	_, err := r.Call(context.Background(), "strict", nil)
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, breakers.State("strict"))
}
