package schema

import "time"

// TaskInstance tracks one execution of a task definition within a workflow run.
// Payloads are held by reference into the document store.
type TaskInstance struct {
	WorkflowInstanceID string        `json:"workflow_instance_id"`
	Reference          string        `json:"reference"`
	Name               string        `json:"name"`
	Kind               TaskKind      `json:"kind"`
	ParentReference    string        `json:"parent_reference,omitempty"`
	Status             TaskStatus    `json:"status"`
	InputRef           string        `json:"input_ref,omitempty"`
	OutputRef          string        `json:"output_ref,omitempty"`
	Error              *FlowError    `json:"error,omitempty"`
	Next               FlowDirective `json:"next,omitempty"`
	Attempt            int           `json:"attempt"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsRoot reports whether the instance has no parent.
func (t *TaskInstance) IsRoot() bool {
	return t.ParentReference == ""
}

// WorkflowInstance is one run of a workflow definition.
type WorkflowInstance struct {
	ID         string         `json:"id"`
	Namespace  string         `json:"namespace"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Status     WorkflowStatus `json:"status"`
	InputRef   string         `json:"input_ref,omitempty"`
	OutputRef  string         `json:"output_ref,omitempty"`
	ContextRef string         `json:"context_ref,omitempty"`
	Error      *FlowError     `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
