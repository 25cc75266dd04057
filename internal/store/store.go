package store

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// DocumentStore reads and writes task payloads by reference. Documents are
// immutable once written; a reference always resolves to the same content.
type DocumentStore interface {
	PutDocument(ctx context.Context, content any) (string, error)
	GetDocument(ctx context.Context, ref string) (any, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DocumentStore

	// Workflow definitions
	StoreDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, namespace, name, version string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)

	// Workflow instances
	CreateWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	UpdateWorkflowInstance(ctx context.Context, id string, update WorkflowInstanceUpdate) error
	ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)

	// Task instances (materialized view of the event log)
	UpsertTaskInstance(ctx context.Context, inst *schema.TaskInstance) error
	ListTaskInstances(ctx context.Context, workflowInstanceID string) ([]*schema.TaskInstance, error)

	// Event sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowInstanceID string, since int64) ([]*Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
