package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TaskKind enumerates the task variants of the DSL.
type TaskKind string

const (
	KindSet    TaskKind = "set"
	KindSwitch TaskKind = "switch"
	KindRun    TaskKind = "run"
	KindEmit   TaskKind = "emit"
	KindCall   TaskKind = "call"
	KindDo     TaskKind = "do"
	KindFork   TaskKind = "fork"
	KindTry    TaskKind = "try"
	KindFor    TaskKind = "for"
	KindListen TaskKind = "listen"
	KindWait   TaskKind = "wait"
	KindRaise  TaskKind = "raise"
)

// Task is a parsed, immutable task definition. The set of implementations is
// closed: every variant lives in this package.
type Task interface {
	Kind() TaskKind
	Base() *TaskBase
	isTask()
}

// TaskBase holds the properties shared by every task kind.
type TaskBase struct {
	If       string         `json:"if,omitempty"`
	Input    *Input         `json:"input,omitempty"`
	Output   *Output        `json:"output,omitempty"`
	Export   *Export        `json:"export,omitempty"`
	Then     FlowDirective  `json:"then,omitempty"`
	Timeout  *Timeout       `json:"timeout,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Base returns the shared task properties.
func (b *TaskBase) Base() *TaskBase { return b }

// Input transforms and validates the data a task receives.
type Input struct {
	Schema *Schema `json:"schema,omitempty"`
	From   any     `json:"from,omitempty"`
}

// Output transforms and validates the data a task produces.
type Output struct {
	Schema *Schema `json:"schema,omitempty"`
	As     any     `json:"as,omitempty"`
}

// Export updates the workflow context from a task's output.
type Export struct {
	Schema *Schema `json:"schema,omitempty"`
	As     any     `json:"as,omitempty"`
}

// Schema is an inline JSON Schema document.
type Schema struct {
	Format   string         `json:"format,omitempty"`
	Document map[string]any `json:"document,omitempty"`
}

// Timeout bounds the duration of a task or workflow.
type Timeout struct {
	After Duration `json:"after"`
}

// SetTask evaluates a mapping of expressions into its output.
type SetTask struct {
	TaskBase
	Set map[string]any `json:"set"`
}

// SwitchTask routes flow to exactly one matching case.
type SwitchTask struct {
	TaskBase
	Switch SwitchCases `json:"switch"`
}

// SwitchCase is one named case of a switch. A case without When is a default.
type SwitchCase struct {
	Name string        `json:"-"`
	When string        `json:"when,omitempty"`
	Then FlowDirective `json:"then,omitempty"`
}

// SwitchCases is the ordered list of switch cases.
type SwitchCases []*SwitchCase

// RunTask starts a process through the execution backend.
type RunTask struct {
	TaskBase
	Run RunSpec `json:"run"`
}

// RunSpec describes the process a run task starts.
type RunSpec struct {
	Shell  *ShellSpec `json:"shell,omitempty"`
	Await  *bool      `json:"await,omitempty"`
	Return string     `json:"return,omitempty"` // stdout | stderr | code | all | none
}

// ShellSpec is a native shell command.
type ShellSpec struct {
	Command     string            `json:"command"`
	Arguments   []string          `json:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// EmitTask publishes a CloudEvent.
type EmitTask struct {
	TaskBase
	Emit EmitSpec `json:"emit"`
}

// EmitSpec wraps the event template.
type EmitSpec struct {
	Event EventTemplate `json:"event"`
}

// EventTemplate holds CloudEvent attributes, possibly as runtime expressions.
type EventTemplate struct {
	With map[string]any `json:"with"`
}

// CallTask dispatches to a named function.
type CallTask struct {
	TaskBase
	Call string         `json:"call"`
	With map[string]any `json:"with,omitempty"`
}

// ExecutionMode selects how a composite runs its children.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeConcurrent ExecutionMode = "concurrent"
)

// DoTask runs a list of tasks.
type DoTask struct {
	TaskBase
	Do   TaskList      `json:"do"`
	Mode ExecutionMode `json:"mode,omitempty"`
}

// ForkTask runs branches concurrently.
type ForkTask struct {
	TaskBase
	Fork ForkSpec `json:"fork"`
}

// ForkSpec lists the branches of a fork.
type ForkSpec struct {
	Branches TaskList `json:"branches"`
	Compete  bool     `json:"compete,omitempty"`
}

// TryTask runs a list of tasks and handles their faults.
type TryTask struct {
	TaskBase
	Try   TaskList   `json:"try"`
	Catch *CatchSpec `json:"catch,omitempty"`
}

// CatchSpec selects the errors a try handles and how.
type CatchSpec struct {
	Errors     *ErrorFilter `json:"errors,omitempty"`
	As         string       `json:"as,omitempty"`
	When       string       `json:"when,omitempty"`
	ExceptWhen string       `json:"exceptWhen,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
	Do         TaskList     `json:"do,omitempty"`
}

// ErrorFilter matches errors by their properties.
type ErrorFilter struct {
	With *ErrorMatch `json:"with,omitempty"`
}

// ErrorMatch lists the error properties to compare. Zero values match anything.
type ErrorMatch struct {
	Type     string `json:"type,omitempty"`
	Status   int    `json:"status,omitempty"`
	Instance string `json:"instance,omitempty"`
	Title    string `json:"title,omitempty"`
}

// RetryPolicy configures retries of a try block.
type RetryPolicy struct {
	When       string      `json:"when,omitempty"`
	ExceptWhen string      `json:"exceptWhen,omitempty"`
	Delay      *Duration   `json:"delay,omitempty"`
	Backoff    BackoffKind `json:"backoff,omitempty"`
	Limit      *RetryLimit `json:"limit,omitempty"`
	Jitter     *Jitter     `json:"jitter,omitempty"`
}

// RetryLimit bounds the number and duration of retries.
type RetryLimit struct {
	Attempt  *AttemptLimit `json:"attempt,omitempty"`
	Duration *Duration     `json:"duration,omitempty"`
}

// AttemptLimit bounds retries by count and per-attempt duration.
type AttemptLimit struct {
	Count    int       `json:"count,omitempty"`
	Duration *Duration `json:"duration,omitempty"`
}

// Jitter adds a random delay in [From, To] to each retry.
type Jitter struct {
	From Duration `json:"from"`
	To   Duration `json:"to"`
}

// ForTask iterates over a collection.
type ForTask struct {
	TaskBase
	For   ForSpec  `json:"for"`
	While string   `json:"while,omitempty"`
	Do    TaskList `json:"do"`
}

// ForSpec names the iteration variables and the collection expression.
type ForSpec struct {
	Each string `json:"each,omitempty"`
	In   string `json:"in"`
	At   string `json:"at,omitempty"`
}

// ListenTask waits for events.
type ListenTask struct {
	TaskBase
	Listen ListenSpec `json:"listen"`
}

// ListenSpec holds the event consumption strategy.
type ListenSpec struct {
	To EventConsumption `json:"to"`
}

// EventConsumption selects one, any or all of a set of event filters.
type EventConsumption struct {
	One   *EventFilter  `json:"one,omitempty"`
	Any   []EventFilter `json:"any,omitempty"`
	All   []EventFilter `json:"all,omitempty"`
	Until string        `json:"until,omitempty"`
}

// EventFilter matches CloudEvent attributes.
type EventFilter struct {
	With map[string]any `json:"with"`
}

// WaitTask pauses for a duration.
type WaitTask struct {
	TaskBase
	Wait Duration `json:"wait"`
}

// RaiseTask faults with a configured error.
type RaiseTask struct {
	TaskBase
	Raise RaiseSpec `json:"raise"`
}

// RaiseSpec wraps the raised error definition.
type RaiseSpec struct {
	Error ErrorDefinition `json:"error"`
}

// ErrorDefinition describes an error raised by a workflow.
type ErrorDefinition struct {
	Type   string `json:"type"`
	Status int    `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (*SetTask) Kind() TaskKind    { return KindSet }
func (*SwitchTask) Kind() TaskKind { return KindSwitch }
func (*RunTask) Kind() TaskKind    { return KindRun }
func (*EmitTask) Kind() TaskKind   { return KindEmit }
func (*CallTask) Kind() TaskKind   { return KindCall }
func (*DoTask) Kind() TaskKind     { return KindDo }
func (*ForkTask) Kind() TaskKind   { return KindFork }
func (*TryTask) Kind() TaskKind    { return KindTry }
func (*ForTask) Kind() TaskKind    { return KindFor }
func (*ListenTask) Kind() TaskKind { return KindListen }
func (*WaitTask) Kind() TaskKind   { return KindWait }
func (*RaiseTask) Kind() TaskKind  { return KindRaise }

func (*SetTask) isTask()    {}
func (*SwitchTask) isTask() {}
func (*RunTask) isTask()    {}
func (*EmitTask) isTask()   {}
func (*CallTask) isTask()   {}
func (*DoTask) isTask()     {}
func (*ForkTask) isTask()   {}
func (*TryTask) isTask()    {}
func (*ForTask) isTask()    {}
func (*ListenTask) isTask() {}
func (*WaitTask) isTask()   {}
func (*RaiseTask) isTask()  {}

// discriminators maps each kind's key to a constructor. A for task carries a
// do body, so "do" only discriminates when "for" is absent.
var discriminators = []struct {
	key string
	new func() Task
}{
	{"for", func() Task { return &ForTask{} }},
	{"try", func() Task { return &TryTask{} }},
	{"fork", func() Task { return &ForkTask{} }},
	{"switch", func() Task { return &SwitchTask{} }},
	{"set", func() Task { return &SetTask{} }},
	{"run", func() Task { return &RunTask{} }},
	{"emit", func() Task { return &EmitTask{} }},
	{"call", func() Task { return &CallTask{} }},
	{"listen", func() Task { return &ListenTask{} }},
	{"wait", func() Task { return &WaitTask{} }},
	{"raise", func() Task { return &RaiseTask{} }},
	{"do", func() Task { return &DoTask{} }},
}

// UnmarshalTask decodes a task definition, detecting its kind from the
// discriminating key. Exactly one discriminator must be present.
func UnmarshalTask(data []byte) (Task, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, NewError(ErrCodeValidation, "task definition must be an object").WithCause(err)
	}

	var found []string
	var build func() Task
	for _, d := range discriminators {
		if _, ok := keys[d.key]; !ok {
			continue
		}
		if _, isFor := keys["for"]; d.key == "do" && isFor {
			continue
		}
		found = append(found, d.key)
		if build == nil {
			build = d.new
		}
	}
	if len(found) == 0 {
		return nil, NewError(ErrCodeValidation, "task definition has no recognized kind")
	}
	if len(found) > 1 {
		return nil, NewErrorf(ErrCodeValidation, "task definition is ambiguous: %v", found)
	}

	task := build()
	if err := json.Unmarshal(data, task); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid %s task: %s", found[0], err.Error()).WithCause(err)
	}
	return task, nil
}

// TaskItem is a named entry of a task list.
type TaskItem struct {
	Name string
	Task Task
}

// TaskList is an ordered mapping of task names to definitions, serialized as
// an array of single-key objects.
type TaskList []*TaskItem

// Index returns the position of the named task or -1.
func (l TaskList) Index(name string) int {
	for i, item := range l {
		if item.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the named task or nil.
func (l TaskList) Get(name string) *TaskItem {
	if i := l.Index(name); i >= 0 {
		return l[i]
	}
	return nil
}

func (l *TaskList) UnmarshalJSON(data []byte) error {
	var out TaskList
	err := decodeNamedList(data, func(name string, raw json.RawMessage) error {
		task, err := UnmarshalTask(raw)
		if err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		out = append(out, &TaskItem{Name: name, Task: task})
		return nil
	})
	if err != nil {
		return err
	}
	*l = out
	return nil
}

func (l TaskList) MarshalJSON() ([]byte, error) {
	return encodeNamedList(len(l), func(i int) (string, any) { return l[i].Name, l[i].Task })
}

func (c *SwitchCases) UnmarshalJSON(data []byte) error {
	var out SwitchCases
	err := decodeNamedList(data, func(name string, raw json.RawMessage) error {
		sc := &SwitchCase{Name: name}
		if err := json.Unmarshal(raw, sc); err != nil {
			return fmt.Errorf("switch case %q: %w", name, err)
		}
		out = append(out, sc)
		return nil
	})
	if err != nil {
		return err
	}
	*c = out
	return nil
}

func (c SwitchCases) MarshalJSON() ([]byte, error) {
	return encodeNamedList(len(c), func(i int) (string, any) { return c[i].Name, c[i] })
}

// decodeNamedList walks an array of single-key objects in order.
func decodeNamedList(data []byte, fn func(name string, raw json.RawMessage) error) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return NewError(ErrCodeValidation, "expected an array of single-key objects").WithCause(err)
	}
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		if len(entry) != 1 {
			return NewErrorf(ErrCodeValidation, "entry %d must have exactly one key, got %d", i, len(entry))
		}
		for name, raw := range entry {
			if seen[name] {
				return NewErrorf(ErrCodeValidation, "duplicate entry name %q", name)
			}
			seen[name] = true
			if err := fn(name, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeNamedList(n int, at func(i int) (string, any)) ([]byte, error) {
	entries := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		name, v := at(i)
		entries = append(entries, map[string]any{name: v})
	}
	return json.Marshal(entries)
}
