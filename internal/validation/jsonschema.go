package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

// SchemaCache validates values against inline JSON Schema documents
// (draft 2020-12 unless the document says otherwise). Compiled schemas are
// cached by their canonical JSON encoding. It is safe for concurrent use.
type SchemaCache struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaCache creates an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks value against document. Violations are reported as a
// validation FlowError whose details list every failing location.
func (c *SchemaCache) Validate(document map[string]any, value any) error {
	if len(document) == 0 {
		return nil
	}
	compiled, err := c.compile(document)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "invalid JSON schema").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not JSON encodable").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// Len returns the number of compiled schemas held.
func (c *SchemaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *SchemaCache) compile(document map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	c.mu.RLock()
	if s, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.cache[key]; ok {
		return s, nil
	}
	s, err := compileSchema(fmt.Sprintf("flowcore://schemas/%d.json", len(c.cache)), key)
	if err != nil {
		return nil, err
	}
	c.cache[key] = s
	return s, nil
}

// compileSchema compiles a single schema document with a fresh compiler so
// resource URLs never collide.
func compileSchema(url, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, as the validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into its leaf messages,
// each prefixed with the instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
