package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/mohae/deepcopy"

	"github.com/rendis/flowcore/internal/backend"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/functions"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// RuntimeName and RuntimeVersion are exposed to expressions as $runtime.
const (
	RuntimeName    = "flowcore"
	RuntimeVersion = "0.4.0"
)

// Evaluator resolves runtime expressions. *expressions.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, input any, args map[string]any) (any, error)
	EvaluateTemplate(ctx context.Context, template any, input any, args map[string]any) (any, error)
	EvaluateBool(ctx context.Context, expression string, input any, args map[string]any) (bool, error)
}

// SchemaValidator checks values against inline JSON Schema documents.
type SchemaValidator interface {
	Validate(document map[string]any, value any) error
}

// SecretResolver returns the plaintext of a named secret.
// *secrets.AESVault satisfies it.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
}

// Observer receives task and workflow lifecycle notifications, typically to
// produce metrics and spans. TaskStarted may return a derived context.
type Observer interface {
	TaskStarted(ctx context.Context, task *schema.TaskInstance) context.Context
	TaskFinished(ctx context.Context, task *schema.TaskInstance, elapsed time.Duration)
	WorkflowFinished(ctx context.Context, wf *schema.WorkflowInstance, elapsed time.Duration)
}

// Options tunes execution.
type Options struct {
	// MaxForkConcurrency caps concurrently running children of a fork or
	// concurrent do. Zero means unlimited.
	MaxForkConcurrency int
	// PublishLifecycle publishes task and workflow lifecycle CloudEvents on the bus.
	PublishLifecycle bool
	// RunWorkDir is the working directory of processes started by run tasks.
	RunWorkDir string
}

// Services bundles the collaborators shared by the executors of a workflow.
// Documents and Evaluator are required; the rest are optional and the tasks
// that need a missing one fault with a configuration error.
type Services struct {
	Evaluator Evaluator
	Documents store.DocumentStore
	Bus       eventbus.Bus
	Backend   backend.Backend
	Functions *functions.Registry
	Schemas   SchemaValidator
	Journal   Journal
	Observer  Observer
	Secrets   SecretResolver
	Logger    *slog.Logger
	Options   Options
}

func (s Services) withDefaults() Services {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Schemas == nil {
		s.Schemas = validation.NewSchemaCache()
	}
	if s.Functions == nil {
		s.Functions = functions.NewRegistry(nil)
	}
	return s
}

// WorkflowContext is the shared state of one workflow instance execution:
// the definition, the instance record, the $context variables and the arena
// of task instances keyed by reference. It is safe for concurrent use by the
// children of concurrent composites.
type WorkflowContext struct {
	def     *schema.Workflow
	svc     Services
	taskFSM *FSM[schema.TaskStatus]
	wfFSM   *FSM[schema.WorkflowStatus]
	input   any

	mu       sync.RWMutex
	instance *schema.WorkflowInstance
	vars     map[string]any
	tasks    map[string]*schema.TaskInstance
	defs     map[string]*schema.TaskItem
	replay   map[string]*schema.TaskInstance
	secrets  map[string]any
}

// NewWorkflowContext binds a definition and its instance record to the
// services that execute it. input is the raw workflow input.
func NewWorkflowContext(def *schema.Workflow, inst *schema.WorkflowInstance, input any, svc Services) (*WorkflowContext, error) {
	switch {
	case def == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow definition is nil")
	case inst == nil || inst.ID == "":
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow instance is missing")
	case svc.Documents == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "document store is required")
	case svc.Evaluator == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "expression evaluator is required")
	}
	cp := *inst
	return &WorkflowContext{
		def:      def,
		svc:      svc.withDefaults(),
		taskFSM:  NewTaskFSM(),
		wfFSM:    NewWorkflowFSM(),
		input:    input,
		instance: &cp,
		vars:     map[string]any{},
		tasks:    map[string]*schema.TaskInstance{},
		defs:     map[string]*schema.TaskItem{},
	}, nil
}

// Definition returns the workflow definition.
func (wc *WorkflowContext) Definition() *schema.Workflow { return wc.def }

// Instance returns a copy of the workflow instance record.
func (wc *WorkflowContext) Instance() *schema.WorkflowInstance {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	cp := *wc.instance
	return &cp
}

// Logger returns the workflow's logger.
func (wc *WorkflowContext) Logger() *slog.Logger { return wc.svc.Logger }

// Variables returns a deep copy of the $context variables.
func (wc *WorkflowContext) Variables() map[string]any {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return deepcopy.Copy(wc.vars).(map[string]any)
}

// SetVariables replaces the $context variables.
func (wc *WorkflowContext) SetVariables(vars map[string]any) {
	if vars == nil {
		vars = map[string]any{}
	}
	cp := deepcopy.Copy(vars).(map[string]any)
	wc.mu.Lock()
	wc.vars = cp
	wc.mu.Unlock()
}

// MergeVariables merges vars into the $context variables. Nested maps merge
// recursively; other values overwrite.
func (wc *WorkflowContext) MergeVariables(vars map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	src := deepcopy.Copy(vars).(map[string]any)
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if err := mergo.Merge(&wc.vars, src, mergo.WithOverride); err != nil {
		return schema.NewError(schema.ErrCodeRuntime, "merge context variables").WithCause(err)
	}
	return nil
}

// LookupTask returns the definition executed at reference.
func (wc *WorkflowContext) LookupTask(reference string) (*schema.TaskItem, bool) {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	item, ok := wc.defs[reference]
	return item, ok
}

// LookupInstance returns a copy of the latest instance recorded at reference.
func (wc *WorkflowContext) LookupInstance(reference string) (*schema.TaskInstance, bool) {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	inst, ok := wc.tasks[reference]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// TaskInstances returns copies of every task instance, ordered by reference.
func (wc *WorkflowContext) TaskInstances() []*schema.TaskInstance {
	wc.mu.RLock()
	out := make([]*schema.TaskInstance, 0, len(wc.tasks))
	for _, inst := range wc.tasks {
		cp := *inst
		out = append(out, &cp)
	}
	wc.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// NewTaskContext creates the execution context of item at reference and
// registers a pending instance for it. parent is nil for the root task.
// Re-entering a reference (a backward goto, a retry, a loop iteration of a
// composite) starts a new attempt.
func (wc *WorkflowContext) NewTaskContext(parent *TaskContext, item *schema.TaskItem, reference string, input any) (*TaskContext, error) {
	if item == nil || item.Task == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no task definition at %s", reference)
	}
	if reference == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "task reference is empty")
	}
	inst := &schema.TaskInstance{
		WorkflowInstanceID: wc.instance.ID,
		Reference:          reference,
		Name:               item.Name,
		Kind:               item.Task.Kind(),
		Status:             schema.TaskStatusPending,
		UpdatedAt:          time.Now().UTC(),
	}
	tc := &TaskContext{Workflow: wc, Parent: parent, Item: item, Instance: inst, Input: input}
	if parent != nil {
		inst.ParentReference = parent.Instance.Reference
		tc.Args = parent.Args
		tc.inExtension = parent.inExtension
	}

	wc.mu.Lock()
	if prev, ok := wc.tasks[reference]; ok {
		inst.Attempt = prev.Attempt + 1
	} else if prev, ok := wc.replay[reference]; ok {
		inst.Attempt = prev.Attempt + 1
	}
	wc.defs[reference] = item
	cp := *inst
	wc.tasks[reference] = &cp
	wc.mu.Unlock()
	return tc, nil
}

// track stores a snapshot of inst in the arena.
func (wc *WorkflowContext) track(inst *schema.TaskInstance) {
	cp := *inst
	wc.mu.Lock()
	wc.tasks[inst.Reference] = &cp
	wc.mu.Unlock()
}

// takeReplayed returns the completed or skipped instance recorded at
// reference by an earlier run. Each recorded instance is handed out once.
func (wc *WorkflowContext) takeReplayed(reference string) (*schema.TaskInstance, bool) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	prev, ok := wc.replay[reference]
	if !ok {
		return nil, false
	}
	delete(wc.replay, reference)
	if prev.Status != schema.TaskStatusCompleted && prev.Status != schema.TaskStatusSkipped {
		return nil, false
	}
	cp := *prev
	return &cp, true
}

// Replay seeds the context with the task instances of an interrupted run.
// Completed and skipped tasks are not re-executed; their recorded outputs and
// flow directives are reused.
func (wc *WorkflowContext) Replay(tasks map[string]*schema.TaskInstance) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.replay = make(map[string]*schema.TaskInstance, len(tasks))
	for ref, inst := range tasks {
		cp := *inst
		wc.replay[ref] = &cp
	}
}

// descriptor is the $workflow argument.
func (wc *WorkflowContext) descriptor() map[string]any {
	inst := wc.Instance()
	d := map[string]any{
		"id": inst.ID,
		"definition": map[string]any{
			"namespace": wc.def.Document.Namespace,
			"name":      wc.def.Document.Name,
			"version":   wc.def.Document.Version,
		},
		"input": deepcopy.Copy(wc.input),
	}
	if inst.StartedAt != nil {
		d["startedAt"] = inst.StartedAt.Format(time.RFC3339Nano)
	}
	return d
}

// TaskContext binds one task definition to its instance and input.
type TaskContext struct {
	Workflow *WorkflowContext
	Parent   *TaskContext
	Item     *schema.TaskItem
	Instance *schema.TaskInstance
	Input    any
	// InputRef is the stored document holding Input, when one exists.
	InputRef string
	// Args are the bindings inherited from enclosing tasks ($item, $error, ...).
	Args expressions.Arguments

	inExtension bool
	synthetic   bool
}

// Reference returns the task's reference.
func (tc *TaskContext) Reference() string { return tc.Instance.Reference }

// Task returns the task definition.
func (tc *TaskContext) Task() schema.Task { return tc.Item.Task }

// arguments builds the runtime arguments for expressions evaluated by this task.
func (tc *TaskContext) arguments(input any) expressions.Arguments {
	wc := tc.Workflow
	task := map[string]any{
		"name":      tc.Item.Name,
		"reference": tc.Instance.Reference,
		"kind":      string(tc.Item.Task.Kind()),
	}
	if tc.Instance.StartedAt != nil {
		task["startedAt"] = tc.Instance.StartedAt.Format(time.RFC3339Nano)
	}
	args := expressions.Arguments{
		expressions.ArgContext:  wc.Variables(),
		expressions.ArgInput:    input,
		expressions.ArgWorkflow: wc.descriptor(),
		expressions.ArgTask:     task,
		expressions.ArgRuntime:  map[string]any{"name": RuntimeName, "version": RuntimeVersion},
	}
	if secrets := wc.secretValues(); secrets != nil {
		args[expressions.ArgSecret] = secrets
	}
	return tc.Args.Merge(args)
}
