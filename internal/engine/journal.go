package engine

import (
	"context"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Journal persists instance state changes together with their lifecycle
// events so an interrupted workflow can be resumed.
type Journal interface {
	RecordTask(ctx context.Context, eventType string, task *schema.TaskInstance) error
	RecordWorkflow(ctx context.Context, eventType string, wf *schema.WorkflowInstance) error
}

// StoreJournal writes instance records and events to a store.Store.
type StoreJournal struct {
	store  store.Store
	events *store.EventLog
}

// NewStoreJournal creates a journal over s.
func NewStoreJournal(s store.Store) *StoreJournal {
	return &StoreJournal{store: s, events: store.NewEventLog(s)}
}

// RecordTask upserts the task instance and appends eventType to the log.
func (j *StoreJournal) RecordTask(ctx context.Context, eventType string, task *schema.TaskInstance) error {
	if err := j.store.UpsertTaskInstance(ctx, task); err != nil {
		return err
	}
	_, err := j.events.AppendTaskEvent(ctx, eventType, task)
	return err
}

// RecordWorkflow updates the workflow instance and appends eventType to the log.
func (j *StoreJournal) RecordWorkflow(ctx context.Context, eventType string, wf *schema.WorkflowInstance) error {
	status := wf.Status
	update := store.WorkflowInstanceUpdate{
		Status:    &status,
		Error:     wf.Error,
		StartedAt: wf.StartedAt,
		EndedAt:   wf.EndedAt,
	}
	if wf.OutputRef != "" {
		update.OutputRef = &wf.OutputRef
	}
	if wf.ContextRef != "" {
		update.ContextRef = &wf.ContextRef
	}
	if err := j.store.UpdateWorkflowInstance(ctx, wf.ID, update); err != nil {
		return err
	}
	_, err := j.events.AppendWorkflowEvent(ctx, eventType, wf.ID, store.WorkflowSnapshot{
		Status: wf.Status,
		Error:  wf.Error,
	})
	return err
}
