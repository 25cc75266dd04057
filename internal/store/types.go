package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// Definition is a stored workflow definition document.
type Definition struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Source    json.RawMessage `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// Parse decodes the stored source into a workflow.
func (d *Definition) Parse() (*schema.Workflow, error) {
	return schema.ParseWorkflow(d.Source)
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	Namespace string
	Name      string
	Limit     int
}

// WorkflowInstanceUpdate holds the fields to change on a workflow instance.
// Nil fields are left untouched.
type WorkflowInstanceUpdate struct {
	Status     *schema.WorkflowStatus
	OutputRef  *string
	ContextRef *string
	Error      *schema.FlowError
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// InstanceFilter narrows ListWorkflowInstances.
type InstanceFilter struct {
	Namespace string
	Name      string
	Status    schema.WorkflowStatus
	Limit     int
}

// Event is an immutable entry in the event sourcing log.
type Event struct {
	ID                 int64           `json:"id"`
	WorkflowInstanceID string          `json:"workflow_instance_id"`
	TaskRef            string          `json:"task_ref,omitempty"`
	Type               string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Sequence           int64           `json:"sequence"`
}
