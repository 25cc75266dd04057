package schema

import (
	"encoding/json"
	"fmt"
)

// Workflow is a parsed workflow definition document.
type Workflow struct {
	Document Document  `json:"document"`
	Input    *Input    `json:"input,omitempty"`
	Output   *Output   `json:"output,omitempty"`
	Use      *Use      `json:"use,omitempty"`
	Do       TaskList  `json:"do"`
	Timeout  *Timeout  `json:"timeout,omitempty"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

// Document identifies a workflow definition.
type Document struct {
	DSL       string         `json:"dsl"`
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Title     string         `json:"title,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QualifiedName returns namespace.name:version.
func (d Document) QualifiedName() string {
	return fmt.Sprintf("%s.%s:%s", d.Namespace, d.Name, d.Version)
}

// Use declares the reusable components of a workflow.
type Use struct {
	Extensions ExtensionList `json:"extensions,omitempty"`
	Functions  FunctionMap   `json:"functions,omitempty"`
	Secrets    []string      `json:"secrets,omitempty"`
}

// Schedule configures automatic workflow starts.
type Schedule struct {
	Cron  string    `json:"cron,omitempty"`
	Every *Duration `json:"every,omitempty"`
}

// Extension injects before/after tasks around matching host tasks.
// Extend is "all" or a task kind; When is evaluated against the host's
// static identity ({name, kind, reference}).
type Extension struct {
	Extend string   `json:"extend"`
	When   string   `json:"when,omitempty"`
	Before TaskList `json:"before,omitempty"`
	After  TaskList `json:"after,omitempty"`
}

// ExtendAll matches every task.
const ExtendAll = "all"

// NamedExtension is one entry of the ordered extension list.
type NamedExtension struct {
	Name      string
	Extension *Extension
}

// ExtensionList preserves the declaration order of extensions.
type ExtensionList []*NamedExtension

func (l *ExtensionList) UnmarshalJSON(data []byte) error {
	var out ExtensionList
	err := decodeNamedList(data, func(name string, raw json.RawMessage) error {
		ext := &Extension{}
		if err := json.Unmarshal(raw, ext); err != nil {
			return fmt.Errorf("extension %q: %w", name, err)
		}
		out = append(out, &NamedExtension{Name: name, Extension: ext})
		return nil
	})
	if err != nil {
		return err
	}
	*l = out
	return nil
}

func (l ExtensionList) MarshalJSON() ([]byte, error) {
	return encodeNamedList(len(l), func(i int) (string, any) { return l[i].Name, l[i].Extension })
}

// FunctionMap holds reusable task definitions invoked by call tasks.
type FunctionMap map[string]Task

func (m *FunctionMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(FunctionMap, len(raw))
	for name, def := range raw {
		task, err := UnmarshalTask(def)
		if err != nil {
			return fmt.Errorf("function %q: %w", name, err)
		}
		out[name] = task
	}
	*m = out
	return nil
}

// ParseWorkflow decodes a JSON workflow definition.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, NewError(ErrCodeValidation, err.Error()).WithCause(err)
	}
	return &wf, nil
}
