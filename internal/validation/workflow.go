package validation

import (
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowcore/pkg/schema"
)

// documentSchemaJSON checks the outline of a definition before it is decoded
// into typed tasks. Task bodies are left to the task decoder.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document", "do"],
  "properties": {
    "document": {
      "type": "object",
      "required": ["dsl", "namespace", "name", "version"],
      "properties": {
        "dsl": { "type": "string", "minLength": 1 },
        "namespace": { "type": "string", "pattern": "^[a-z0-9]([-a-z0-9]*[a-z0-9])?$" },
        "name": { "type": "string", "pattern": "^[a-z0-9]([-a-z0-9]*[a-z0-9])?$" },
        "version": { "type": "string", "minLength": 1 },
        "title": { "type": "string" },
        "summary": { "type": "string" },
        "metadata": { "type": "object" }
      }
    },
    "input": { "$ref": "#/$defs/io" },
    "output": { "$ref": "#/$defs/io" },
    "use": {
      "type": "object",
      "properties": {
        "extensions": { "$ref": "#/$defs/namedList" },
        "functions": { "type": "object", "additionalProperties": { "type": "object" } },
        "secrets": {
          "type": "array",
          "items": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_.-]*$" },
          "uniqueItems": true
        }
      },
      "additionalProperties": false
    },
    "do": { "$ref": "#/$defs/namedList", "minItems": 1 },
    "timeout": { "type": "object", "required": ["after"] },
    "schedule": {
      "type": "object",
      "properties": {
        "cron": { "type": "string" },
        "every": {}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "io": {
      "type": "object",
      "properties": {
        "schema": { "type": "object" },
        "from": {},
        "as": {}
      },
      "additionalProperties": false
    },
    "namedList": {
      "type": "array",
      "items": {
        "type": "object",
        "minProperties": 1,
        "maxProperties": 1,
        "additionalProperties": { "type": "object" }
      }
    }
  }
}`

// FunctionLookup reports whether a function name can be called.
// *functions.Registry satisfies it.
type FunctionLookup interface {
	Has(name string) bool
}

// WorkflowValidator runs the two-stage pipeline: the outline is checked
// against a JSON Schema, then the typed definition is checked semantically.
type WorkflowValidator struct {
	outline   *jsonschema.Schema
	functions FunctionLookup
}

// NewWorkflowValidator creates a validator. lookup may be nil to skip
// checks of call targets that are not declared in use.functions.
func NewWorkflowValidator(lookup FunctionLookup) (*WorkflowValidator, error) {
	outline, err := compileSchema("flowcore://schemas/workflow.json", documentSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &WorkflowValidator{outline: outline, functions: lookup}, nil
}

// ValidateDocument checks a decoded definition document structurally.
func (v *WorkflowValidator) ValidateDocument(doc map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if err := v.outline.Validate(value); err != nil {
		fe := toFlowError(err)
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, msg := range violations {
				result.AddError("/", schema.ErrCodeValidation, msg)
			}
			return result
		}
		result.AddError("/", schema.ErrCodeValidation, fe.Message)
	}
	return result
}

// Validate checks a typed definition semantically.
func (v *WorkflowValidator) Validate(def *schema.Workflow) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	return validateSemantic(def, v.functions)
}

// Parse decodes, validates and builds a definition. Structural errors
// short-circuit the semantic stage.
func (v *WorkflowValidator) Parse(data []byte, format string) (*schema.Workflow, *schema.ValidationResult, error) {
	doc, err := Decode(data, format)
	if err != nil {
		return nil, nil, err
	}
	return v.build(doc)
}

// Load reads, validates and builds a definition file.
func (v *WorkflowValidator) Load(path string) (*schema.Workflow, *schema.ValidationResult, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return v.build(doc)
}

func (v *WorkflowValidator) build(doc map[string]any) (*schema.Workflow, *schema.ValidationResult, error) {
	result := v.ValidateDocument(doc)
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	def, err := Build(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, schema.AsFlowError(err).Message)
		return nil, result, result.ToError()
	}
	result.Merge(v.Validate(def))
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	return def, result, nil
}
