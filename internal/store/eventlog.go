package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// TaskSnapshot is the payload carried by task lifecycle events.
type TaskSnapshot struct {
	Task *schema.TaskInstance `json:"task"`
}

// WorkflowSnapshot is the payload carried by workflow lifecycle events.
type WorkflowSnapshot struct {
	Status schema.WorkflowStatus `json:"status"`
	Error  *schema.FlowError     `json:"error,omitempty"`
}

// AppendTaskEvent records a task lifecycle transition along with a snapshot of the instance.
func (el *EventLog) AppendTaskEvent(ctx context.Context, eventType string, task *schema.TaskInstance) (*Event, error) {
	payload, err := json.Marshal(TaskSnapshot{Task: task})
	if err != nil {
		return nil, storeError("marshal task snapshot", err)
	}
	e := &Event{
		WorkflowInstanceID: task.WorkflowInstanceID,
		TaskRef:            task.Reference,
		Type:               eventType,
		Payload:            payload,
		Timestamp:          time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendWorkflowEvent records a workflow lifecycle transition.
func (el *EventLog) AppendWorkflowEvent(ctx context.Context, eventType, workflowInstanceID string, snap WorkflowSnapshot) (*Event, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, storeError("marshal workflow snapshot", err)
	}
	e := &Event{
		WorkflowInstanceID: workflowInstanceID,
		Type:               eventType,
		Payload:            payload,
		Timestamp:          time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for a workflow instance with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, workflowInstanceID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowInstanceID, since)
}

// ReplayTasks rebuilds the latest state of every task instance of a workflow
// run from its event log, keyed by task reference.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayTasks(ctx context.Context, workflowInstanceID string) (map[string]*schema.TaskInstance, error) {
	events, err := el.store.GetEvents(ctx, workflowInstanceID, 0)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow instance %s: expected %d, got %d", workflowInstanceID, expected, e.Sequence)
		}
	}

	states := make(map[string]*schema.TaskInstance)
	for _, e := range events {
		if e.TaskRef == "" || !strings.HasPrefix(e.Type, "io.flowcore.task.") {
			continue
		}
		var snap TaskSnapshot
		if err := json.Unmarshal(e.Payload, &snap); err != nil {
			return nil, storeError("decode task snapshot", err)
		}
		if snap.Task == nil {
			continue
		}
		snap.Task.UpdatedAt = e.Timestamp
		states[e.TaskRef] = snap.Task
	}
	return states, nil
}

// LastWorkflowStatus returns the status carried by the most recent workflow
// lifecycle event, or pending when none was recorded.
func (el *EventLog) LastWorkflowStatus(ctx context.Context, workflowInstanceID string) (schema.WorkflowStatus, error) {
	events, err := el.store.GetEvents(ctx, workflowInstanceID, 0)
	if err != nil {
		return "", err
	}
	status := schema.WorkflowStatusPending
	for _, e := range events {
		if e.TaskRef != "" || !strings.HasPrefix(e.Type, "io.flowcore.workflow.") {
			continue
		}
		var snap WorkflowSnapshot
		if err := json.Unmarshal(e.Payload, &snap); err != nil {
			return "", storeError("decode workflow snapshot", err)
		}
		status = snap.Status
	}
	return status, nil
}
