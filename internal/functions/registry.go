package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

type entry struct {
	fn     Function
	schema *jsonschema.Schema
}

// Registry is a thread-safe set of functions. Remote functions go through
// the circuit breakers when a Breakers set is attached.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[string]*entry
	breakers *Breakers
}

// NewRegistry creates an empty registry. breakers may be nil.
func NewRegistry(breakers *Breakers) *Registry {
	return &Registry{funcs: make(map[string]*entry), breakers: breakers}
}

// Register adds fn. Names are unique.
func (r *Registry) Register(fn Function) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "function is nil")
	}
	return r.register(fn.Name(), fn)
}

// RegisterPrefixed adds fns as "prefix.name", for example the tools of one
// MCP server. It stops at the first conflict.
func (r *Registry) RegisterPrefixed(prefix string, fns []Function) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeConfiguration, "function prefix is empty")
	}
	for i, fn := range fns {
		name := prefix + "." + fn.Name()
		if err := r.register(name, &renamed{Function: fn, name: name}); err != nil {
			return i, err
		}
	}
	return len(fns), nil
}

func (r *Registry) register(name string, fn Function) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "function name is empty")
	}
	e := &entry{fn: fn}
	if raw := fn.Describe().ArgsSchema; len(raw) > 0 {
		compiled, err := compileArgsSchema(name, raw)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "function %q: invalid args schema: %s", name, err.Error()).WithCause(err)
		}
		e.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "function %q already registered", name)
	}
	r.funcs[name] = e
	return nil
}

// Get returns the named function.
func (r *Registry) Get(name string) (Function, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.fn, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// List returns the registered functions sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.funcs))
	for name, e := range r.funcs {
		d := e.fn.Describe()
		out = append(out, Info{Name: name, Description: d.Description, Remote: d.Remote})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates args and invokes the named function. Errors are always
// FlowErrors; unclassified failures become runtime errors.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	if e.schema != nil {
		if err := validateArgs(e.schema, args); err != nil {
			return nil, err
		}
	}

	guarded := r.breakers != nil && e.fn.Describe().Remote
	if guarded {
		if err := r.breakers.Allow(name); err != nil {
			return nil, err
		}
	}

	out, err := e.fn.Call(ctx, args)
	if err != nil {
		fe := schema.AsFlowError(err)
		if guarded && fe.IsRetryable() {
			r.breakers.Failure(name)
		}
		return nil, fe
	}
	if guarded {
		r.breakers.Success(name)
	}
	return out, nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.funcs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "function %q not registered", name)
	}
	return e, nil
}

type renamed struct {
	Function
	name string
}

func (r *renamed) Name() string { return r.name }

func compileArgsSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("flowcore://functions/%s/args.json", name)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validateArgs(s *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "call arguments are not JSON serializable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "call arguments are not valid JSON").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid call arguments: %s", err.Error()).WithCause(err)
	}
	return nil
}
