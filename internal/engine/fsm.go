package engine

import (
	"github.com/rendis/flowcore/pkg/schema"
)

// FSM validates lifecycle transitions and names the event each target
// status produces. The zero value rejects every transition.
type FSM[S ~string] struct {
	name   string
	table  map[S][]S
	events map[S]string
}

// Can reports whether from -> to is allowed.
func (f *FSM[S]) Can(from, to S) bool {
	for _, allowed := range f.table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Check returns an INVALID_TRANSITION error when from -> to is not allowed.
func (f *FSM[S]) Check(from, to S) error {
	if f.Can(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %s -> %s", f.name, from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// EventType returns the lifecycle event recorded when entering to.
func (f *FSM[S]) EventType(to S) string {
	return f.events[to]
}

// ValidTaskTransitions is the task instance lifecycle. Terminal statuses have
// no outgoing edges.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending: {
		schema.TaskStatusRunning, schema.TaskStatusSkipped,
		schema.TaskStatusCancelled, schema.TaskStatusFaulted,
	},
	schema.TaskStatusRunning: {
		schema.TaskStatusCompleted, schema.TaskStatusFaulted, schema.TaskStatusCancelled,
		schema.TaskStatusSkipped, schema.TaskStatusSuspended,
	},
	schema.TaskStatusSuspended: {
		schema.TaskStatusRunning, schema.TaskStatusCancelled, schema.TaskStatusFaulted,
	},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusFaulted:   {},
	schema.TaskStatusCancelled: {},
	schema.TaskStatusSkipped:   {},
}

// ValidWorkflowTransitions is the workflow instance lifecycle.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {
		schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFaulted,
	},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusCompleted, schema.WorkflowStatusFaulted,
		schema.WorkflowStatusCancelled, schema.WorkflowStatusSuspended,
	},
	schema.WorkflowStatusSuspended: {
		schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFaulted,
	},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFaulted:   {},
	schema.WorkflowStatusCancelled: {},
}

// NewTaskFSM returns the task lifecycle machine.
func NewTaskFSM() *FSM[schema.TaskStatus] {
	return &FSM[schema.TaskStatus]{
		name:  "task",
		table: ValidTaskTransitions,
		events: map[schema.TaskStatus]string{
			schema.TaskStatusRunning:   schema.EventTaskStarted,
			schema.TaskStatusCompleted: schema.EventTaskCompleted,
			schema.TaskStatusFaulted:   schema.EventTaskFaulted,
			schema.TaskStatusCancelled: schema.EventTaskCancelled,
			schema.TaskStatusSkipped:   schema.EventTaskSkipped,
			schema.TaskStatusSuspended: schema.EventTaskSuspended,
		},
	}
}

// NewWorkflowFSM returns the workflow lifecycle machine.
func NewWorkflowFSM() *FSM[schema.WorkflowStatus] {
	return &FSM[schema.WorkflowStatus]{
		name:  "workflow",
		table: ValidWorkflowTransitions,
		events: map[schema.WorkflowStatus]string{
			schema.WorkflowStatusRunning:   schema.EventWorkflowStarted,
			schema.WorkflowStatusCompleted: schema.EventWorkflowCompleted,
			schema.WorkflowStatusFaulted:   schema.EventWorkflowFaulted,
			schema.WorkflowStatusCancelled: schema.EventWorkflowCancelled,
			schema.WorkflowStatusSuspended: schema.EventWorkflowSuspended,
		},
	}
}
