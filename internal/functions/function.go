// Package functions holds the named functions call tasks dispatch to when
// the workflow itself does not define them.
package functions

import (
	"context"
	"encoding/json"
)

// Function is a named callable target of call tasks.
type Function interface {
	Name() string
	Describe() Descriptor
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor documents a function.
type Descriptor struct {
	Description string `json:"description,omitempty"`
	// ArgsSchema is an optional JSON Schema checked before every call.
	ArgsSchema json.RawMessage `json:"args_schema,omitempty"`
	// Remote functions are guarded by the circuit breaker.
	Remote bool `json:"remote,omitempty"`
}

// Info summarizes a registered function for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Remote      bool   `json:"remote,omitempty"`
}

// Func adapts a plain Go function.
type Func struct {
	FuncName string
	Desc     Descriptor
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f *Func) Name() string         { return f.FuncName }
func (f *Func) Describe() Descriptor { return f.Desc }

func (f *Func) Call(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

func mapArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}
