package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// Definition formats accepted by Decode.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// LoadFile reads a workflow definition from disk. The format follows the
// file extension; anything other than .json is read as YAML.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow definition %s", path).WithCause(err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Decode(data, format)
}

// Decode parses a definition document into generic JSON values.
// An empty format sniffs JSON by the leading brace.
func Decode(data []byte, format string) (map[string]any, error) {
	if format == "" {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}
	var doc map[string]any
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed JSON definition").WithCause(err)
		}
	case FormatYAML:
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed YAML definition").WithCause(err)
		}
		v, err := normalizeYAML(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "definition must be a mapping")
		}
		doc = m
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown definition format %q", format)
	}
	if doc == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is empty")
	}
	return doc, nil
}

// Build decodes generic values into a typed workflow.
func Build(doc map[string]any) (*schema.Workflow, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not JSON encodable").WithCause(err)
	}
	return schema.ParseWorkflow(raw)
}

// normalizeYAML converts YAML-specific shapes into values encoding/json
// accepts. Mapping keys must be strings.
func normalizeYAML(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("mapping key %v is not a string", k)
			}
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		for i, val := range t {
			n, err := normalizeYAML(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	}
	return v, nil
}
