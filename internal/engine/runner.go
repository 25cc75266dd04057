package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Runner creates workflow instances and drives them: synchronously, on its
// worker pool, or again after a suspension or crash.
type Runner struct {
	store  store.Store
	events *store.EventLog
	svc    Services
	pool   *WorkerPool

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancel  context.CancelCauseFunc
	done    chan struct{}
	outcome *Outcome
	err     error
}

// Status is a workflow instance with its task instances.
type Status struct {
	Instance *schema.WorkflowInstance `json:"instance"`
	Tasks    []*schema.TaskInstance   `json:"tasks"`
}

// NewRunner creates a runner over st. The store serves as document store
// and journal unless svc names others.
func NewRunner(st store.Store, svc Services, poolSize int) *Runner {
	if svc.Documents == nil {
		svc.Documents = st
	}
	if svc.Journal == nil {
		svc.Journal = NewStoreJournal(st)
	}
	svc = svc.withDefaults()
	return &Runner{
		store:  st,
		events: store.NewEventLog(st),
		svc:    svc,
		pool:   NewWorkerPool(poolSize, svc.Logger),
		active: map[string]*activeRun{},
	}
}

// Create stores the definition and a pending instance holding input.
func (r *Runner) Create(ctx context.Context, def *schema.Workflow, input any) (*schema.WorkflowInstance, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow definition is nil")
	}
	if input == nil {
		input = map[string]any{}
	}
	source, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "encode workflow definition").WithCause(err)
	}
	doc := def.Document
	if err := r.store.StoreDefinition(ctx, &store.Definition{
		Namespace: doc.Namespace,
		Name:      doc.Name,
		Version:   doc.Version,
		Source:    source,
	}); err != nil {
		return nil, err
	}
	inputRef, err := r.svc.Documents.PutDocument(ctx, input)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		ID:        uuid.NewString(),
		Namespace: doc.Namespace,
		Name:      doc.Name,
		Version:   doc.Version,
		Status:    schema.WorkflowStatusPending,
		InputRef:  inputRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateWorkflowInstance(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Run creates an instance and executes it on the calling goroutine.
// Cancelling ctx cancels the workflow.
func (r *Runner) Run(ctx context.Context, def *schema.Workflow, input any) (*Outcome, error) {
	inst, err := r.Create(ctx, def, input)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	runCtx, run, err := r.begin(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	r.drive(runCtx, run, def, inst, input, nil, nil)
	return run.outcome, run.err
}

// Start creates an instance and executes it on the worker pool. The
// workflow outlives ctx; use Cancel or Suspend to stop it.
func (r *Runner) Start(ctx context.Context, def *schema.Workflow, input any) (*schema.WorkflowInstance, error) {
	inst, err := r.Create(ctx, def, input)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := r.submit(ctx, def, inst, input, nil, nil); err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Runner) submit(ctx context.Context, def *schema.Workflow, inst *schema.WorkflowInstance, input any, replay map[string]*schema.TaskInstance, vars map[string]any) error {
	runCtx, run, err := r.begin(context.WithoutCancel(ctx), inst.ID)
	if err != nil {
		return err
	}
	err = r.pool.Submit(ctx, inst.ID, func() error {
		r.drive(runCtx, run, def, inst, input, replay, vars)
		return run.err
	})
	if err != nil {
		run.cancel(err)
		r.end(inst.ID, run)
		return err
	}
	return nil
}

// begin registers an active run so Cancel and Suspend can reach it.
func (r *Runner) begin(ctx context.Context, id string) (context.Context, *activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow instance %s is already running", id)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	r.active[id] = run
	return runCtx, run, nil
}

func (r *Runner) end(id string, run *activeRun) {
	r.mu.Lock()
	if r.active[id] == run {
		delete(r.active, id)
	}
	r.mu.Unlock()
	close(run.done)
}

func (r *Runner) drive(ctx context.Context, run *activeRun, def *schema.Workflow, inst *schema.WorkflowInstance, input any, replay map[string]*schema.TaskInstance, vars map[string]any) {
	defer r.end(inst.ID, run)
	defer run.cancel(nil)
	wc, err := NewWorkflowContext(def, inst, input, r.svc)
	if err != nil {
		run.err = err
		return
	}
	if replay != nil {
		wc.Replay(replay)
	}
	if vars != nil {
		wc.SetVariables(vars)
	}
	run.outcome, run.err = wc.Execute(ctx)
}

// Wait blocks until the instance stops running and returns its outcome.
func (r *Runner) Wait(ctx context.Context, id string) (*Outcome, error) {
	r.mu.Lock()
	run, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		select {
		case <-run.done:
			if run.outcome != nil || run.err != nil {
				return run.outcome, run.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Outcome(ctx, id)
}

// Outcome loads the stored instance and, once completed, its output.
func (r *Runner) Outcome(ctx context.Context, id string) (*Outcome, error) {
	inst, err := r.store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Instance: inst}
	if inst.OutputRef != "" {
		if out.Output, err = r.svc.Documents.GetDocument(ctx, inst.OutputRef); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Status returns the stored instance and its task instances.
func (r *Runner) Status(ctx context.Context, id string) (*Status, error) {
	inst, err := r.store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := r.store.ListTaskInstances(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Reference < tasks[j].Reference })
	return &Status{Instance: inst, Tasks: tasks}, nil
}

// Cancel stops a running instance, or marks a pending or suspended one
// cancelled.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	if run, ok := r.lookup(id); ok {
		run.cancel(context.Canceled)
		return r.await(ctx, run)
	}
	inst, err := r.store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return err
	}
	fsm := NewWorkflowFSM()
	if err := fsm.Check(inst.Status, schema.WorkflowStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.Status = schema.WorkflowStatusCancelled
	inst.EndedAt = &now
	return r.svc.Journal.RecordWorkflow(ctx, fsm.EventType(inst.Status), inst)
}

// Suspend parks a running instance. Its running tasks become suspended and
// Resume continues from the last completed ones.
func (r *Runner) Suspend(ctx context.Context, id string) error {
	run, ok := r.lookup(id)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow instance %s is not running", id)
	}
	run.cancel(schema.ErrSuspended)
	return r.await(ctx, run)
}

// Resume executes a suspended instance again, or an instance left running
// by a stopped process. Completed tasks are not re-executed.
func (r *Runner) Resume(ctx context.Context, id string) (*Outcome, error) {
	def, inst, input, replay, vars, err := r.rehydrate(ctx, id)
	if err != nil {
		return nil, err
	}
	runCtx, run, err := r.begin(ctx, id)
	if err != nil {
		return nil, err
	}
	r.drive(runCtx, run, def, inst, input, replay, vars)
	return run.outcome, run.err
}

// ResumeAsync is Resume on the worker pool.
func (r *Runner) ResumeAsync(ctx context.Context, id string) error {
	def, inst, input, replay, vars, err := r.rehydrate(ctx, id)
	if err != nil {
		return err
	}
	return r.submit(ctx, def, inst, input, replay, vars)
}

func (r *Runner) rehydrate(ctx context.Context, id string) (*schema.Workflow, *schema.WorkflowInstance, any, map[string]*schema.TaskInstance, map[string]any, error) {
	if _, ok := r.lookup(id); ok {
		return nil, nil, nil, nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow instance %s is already running", id)
	}
	inst, err := r.store.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	switch inst.Status {
	case schema.WorkflowStatusSuspended:
	case schema.WorkflowStatusRunning:
		// Left running by a process that stopped; resume as if suspended.
		inst.Status = schema.WorkflowStatusSuspended
	default:
		return nil, nil, nil, nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow instance %s is %s and cannot be resumed", id, inst.Status)
	}
	stored, err := r.store.GetDefinition(ctx, inst.Namespace, inst.Name, inst.Version)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	def, err := stored.Parse()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	input, err := r.svc.Documents.GetDocument(ctx, inst.InputRef)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	var vars map[string]any
	if inst.ContextRef != "" {
		doc, err := r.svc.Documents.GetDocument(ctx, inst.ContextRef)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		vars, _ = doc.(map[string]any)
	}
	replay, err := r.events.ReplayTasks(ctx, id)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	r.svc.Logger.InfoContext(logging.WithWorkflowInstance(ctx, id), "resuming workflow",
		slog.Int("recorded_tasks", len(replay)))
	return def, inst, input, replay, vars, nil
}

// Active returns the IDs of the instances currently running.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PoolStats returns the worker pool counters.
func (r *Runner) PoolStats() PoolStats { return r.pool.Stats() }

// Shutdown suspends every running instance and waits for the pool to drain.
// Suspended instances can be resumed by a later process.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	runs := make([]*activeRun, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	for _, run := range runs {
		run.cancel(schema.ErrSuspended)
	}
	for _, run := range runs {
		if err := r.await(ctx, run); err != nil {
			return err
		}
	}
	r.pool.Close()
	return nil
}

func (r *Runner) lookup(id string) (*activeRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.active[id]
	return run, ok
}

func (r *Runner) await(ctx context.Context, run *activeRun) error {
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
