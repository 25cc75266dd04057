package schema

// Lifecycle event types, appended to the event log and published as CloudEvents.
const (
	EventWorkflowStarted   = "io.flowcore.workflow.started.v1"
	EventWorkflowCompleted = "io.flowcore.workflow.completed.v1"
	EventWorkflowFaulted   = "io.flowcore.workflow.faulted.v1"
	EventWorkflowCancelled = "io.flowcore.workflow.cancelled.v1"
	EventWorkflowSuspended = "io.flowcore.workflow.suspended.v1"
	EventWorkflowResumed   = "io.flowcore.workflow.resumed.v1"

	EventTaskCreated   = "io.flowcore.task.created.v1"
	EventTaskStarted   = "io.flowcore.task.started.v1"
	EventTaskCompleted = "io.flowcore.task.completed.v1"
	EventTaskFaulted   = "io.flowcore.task.faulted.v1"
	EventTaskCancelled = "io.flowcore.task.cancelled.v1"
	EventTaskSkipped   = "io.flowcore.task.skipped.v1"
	EventTaskSuspended = "io.flowcore.task.suspended.v1"
	EventTaskResumed   = "io.flowcore.task.resumed.v1"
	EventTaskRetried   = "io.flowcore.task.retried.v1"
)

// EventSource is the CloudEvent source used for lifecycle events.
const EventSource = "flowcore"

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSuspended WorkflowStatus = "suspended"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFaulted   WorkflowStatus = "faulted"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFaulted || s == WorkflowStatusCancelled
}

// TaskStatus represents the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuspended TaskStatus = "suspended"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFaulted   TaskStatus = "faulted"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFaulted, TaskStatusCancelled, TaskStatusSkipped:
		return true
	}
	return false
}
