package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// Result is what a finished task hands to its enclosing composite.
type Result struct {
	Output    any
	OutputRef string
	Next      schema.FlowDirective
	Skipped   bool
}

// TaskExecutor runs one task instance through its lifecycle.
type TaskExecutor interface {
	// Initialize validates the bound context and definition. It is idempotent.
	Initialize(ctx context.Context) error
	// Execute runs the task and returns its output and next directive.
	// A task faults, is cancelled or suspends by returning an error; the
	// instance records the outcome either way.
	Execute(ctx context.Context) (*Result, error)
	// Instance returns the task instance record.
	Instance() *schema.TaskInstance
}

// strategy is the kind-specific core of a task.
type strategy interface {
	validate(tc *TaskContext) error
	// execute returns the task's output and, when it decides the flow itself,
	// a non-empty directive.
	execute(ctx context.Context, x *taskExecutor, input any) (any, schema.FlowDirective, error)
}

type taskExecutor struct {
	tc       *TaskContext
	strategy strategy

	once    sync.Once
	initErr error
	started atomic.Bool
	begun   time.Time

	// args are the runtime arguments after the input transform.
	args expressions.Arguments
	// inputRef is the stored document of the working input, when unchanged.
	inputRef string
}

func newTaskExecutor(tc *TaskContext, s strategy) *taskExecutor {
	return &taskExecutor{tc: tc, strategy: s}
}

func (x *taskExecutor) Instance() *schema.TaskInstance {
	if x.tc == nil {
		return nil
	}
	return x.tc.Instance
}

func (x *taskExecutor) Initialize(context.Context) error {
	x.once.Do(func() { x.initErr = x.initialize() })
	return x.initErr
}

func (x *taskExecutor) initialize() error {
	tc := x.tc
	switch {
	case tc == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "task context is nil")
	case tc.Workflow == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "workflow context is nil")
	case tc.Item == nil || tc.Item.Task == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "task definition is nil")
	case tc.Instance == nil:
		return schema.NewError(schema.ErrCodeConfiguration, "task instance is nil")
	}
	ref := tc.Instance.Reference
	switch {
	case ref == "":
		return schema.NewError(schema.ErrCodeConfiguration, "task reference is empty")
	case tc.Instance.Kind != tc.Item.Task.Kind() || tc.Instance.Name != tc.Item.Name:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "instance %s does not match its definition", ref).WithTask(ref)
	case tc.Instance.WorkflowInstanceID != tc.Workflow.instance.ID:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "instance %s belongs to another workflow", ref).WithTask(ref)
	}
	if err := x.strategy.validate(tc); err != nil {
		return schema.AsFlowError(err).WithTask(ref)
	}
	return nil
}

func (x *taskExecutor) Execute(ctx context.Context) (*Result, error) {
	if err := x.Initialize(ctx); err != nil {
		if x.tc == nil || x.tc.Workflow == nil || x.tc.Instance == nil {
			return nil, err
		}
		return nil, x.fail(ctx, ctx, err)
	}
	if !x.started.CompareAndSwap(false, true) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "task %s already executed", x.tc.Reference())
	}
	tc, wc := x.tc, x.tc.Workflow
	if prior, ok := wc.takeReplayed(tc.Reference()); ok {
		return x.replay(ctx, prior)
	}

	ctx = logging.WithTask(ctx, tc.Reference(), string(tc.Instance.Kind))
	if obs := wc.svc.Observer; obs != nil {
		ctx = obs.TaskStarted(ctx, tc.Instance)
	}
	x.begun = time.Now()
	now := x.begun.UTC()
	tc.Instance.StartedAt = &now
	tc.Instance.InputRef = tc.InputRef
	if err := x.transition(ctx, schema.TaskStatusRunning); err != nil {
		return nil, err
	}

	runCtx := ctx
	if t := tc.Task().Base().Timeout; t != nil && t.After.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.After.Duration)
		defer cancel()
	}

	res, err := x.run(runCtx)
	if err != nil {
		return nil, x.fail(ctx, runCtx, err)
	}
	if err := x.complete(ctx, res); err != nil {
		return nil, x.fail(ctx, ctx, err)
	}
	return res, nil
}

// run is the body of Execute between the running and terminal transitions.
func (x *taskExecutor) run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	tc, wc := x.tc, x.tc.Workflow
	base := tc.Task().Base()
	input := tc.Input
	x.inputRef = tc.InputRef
	x.args = tc.arguments(input)

	if base.If != "" {
		ok, err := wc.svc.Evaluator.EvaluateBool(ctx, base.If, input, x.args)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Result{Output: input, OutputRef: tc.InputRef, Next: schema.FlowContinue, Skipped: true}, nil
		}
	}

	exts, err := x.matchExtensions(ctx)
	if err != nil {
		return nil, err
	}
	working, changed, directive, err := x.runHooks(ctx, exts, phaseBefore, input)
	if err != nil {
		return nil, err
	}
	if changed {
		x.inputRef = ""
	}
	if len(exts) > 0 {
		x.args = x.args.With(expressions.ArgContext, wc.Variables())
	}
	if directive.IsExit() {
		return &Result{Output: working, OutputRef: x.inputRef, Next: directive, Skipped: true}, nil
	}

	working, err = x.transformInput(ctx, working)
	if err != nil {
		return nil, err
	}
	x.args = x.args.With(expressions.ArgInput, working)

	out, next, err := x.strategy.execute(ctx, x, working)
	if err != nil {
		return nil, err
	}

	out, _, hookNext, err := x.runHooks(ctx, exts, phaseAfter, out)
	if err != nil {
		return nil, err
	}
	if !hookNext.IsContinue() {
		next = hookNext
	}
	if len(exts) > 0 {
		x.args = x.args.With(expressions.ArgContext, wc.Variables())
	}

	out, err = x.transformOutput(ctx, out)
	if err != nil {
		return nil, err
	}
	if err := x.exportContext(ctx, out); err != nil {
		return nil, err
	}

	if next == "" {
		next = base.Then
	}
	return &Result{Output: out, Next: next.Normalize()}, nil
}

// complete writes the output document and moves the task to its terminal status.
func (x *taskExecutor) complete(ctx context.Context, res *Result) error {
	inst := x.tc.Instance
	if res.OutputRef == "" {
		ref, err := x.tc.Workflow.svc.Documents.PutDocument(context.WithoutCancel(ctx), res.Output)
		if err != nil {
			return schema.AsFlowError(err)
		}
		res.OutputRef = ref
	}
	end := time.Now().UTC()
	inst.OutputRef = res.OutputRef
	inst.Next = res.Next
	inst.EndedAt = &end
	status := schema.TaskStatusCompleted
	if res.Skipped {
		status = schema.TaskStatusSkipped
	}
	if err := x.transition(ctx, status); err != nil {
		return err
	}
	x.finished(ctx)
	return nil
}

// fail classifies err, moves the task to faulted, cancelled or suspended and
// returns the error handed to the enclosing composite. ctx is the context the
// task was started with; runCtx carries the task's own timeout.
func (x *taskExecutor) fail(ctx, runCtx context.Context, err error) error {
	inst := x.tc.Instance
	fe, status := classify(ctx, runCtx, err, x.tc.Task())
	if status == schema.TaskStatusFaulted {
		fe = fe.WithTask(inst.Reference)
		inst.Error = fe
	}
	end := time.Now().UTC()
	inst.EndedAt = &end
	if terr := x.transition(ctx, status); terr != nil {
		x.tc.Workflow.svc.Logger.WarnContext(ctx, "task transition rejected",
			slog.String("reference", inst.Reference),
			slog.String("error", terr.Error()))
	}
	x.finished(ctx)
	return fe
}

// classify maps a failure to the error handed upward and the task's final status.
func classify(ctx, runCtx context.Context, err error, task schema.Task) (*schema.FlowError, schema.TaskStatus) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, schema.ErrSuspended) {
			return schema.NewError(schema.ErrCodeCancelled, "task suspended").WithCause(schema.ErrSuspended), schema.TaskStatusSuspended
		}
		return schema.NewError(schema.ErrCodeCancelled, "task cancelled").WithCause(cause), schema.TaskStatusCancelled
	}
	if runCtx != ctx && runCtx.Err() != nil && errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
		after := task.Base().Timeout.After.Duration
		return schema.NewErrorf(schema.ErrCodeTimeout, "task timed out after %s", after).WithCause(err), schema.TaskStatusFaulted
	}
	fe := schema.AsFlowError(err)
	switch {
	case errors.Is(err, schema.ErrSuspended):
		return fe, schema.TaskStatusSuspended
	case fe.Code == schema.ErrCodeCancelled:
		return fe, schema.TaskStatusCancelled
	}
	return fe, schema.TaskStatusFaulted
}

// replay reuses the outcome of a task completed by an earlier run.
func (x *taskExecutor) replay(ctx context.Context, prior *schema.TaskInstance) (*Result, error) {
	wc := x.tc.Workflow
	var out any
	if prior.OutputRef != "" {
		doc, err := wc.svc.Documents.GetDocument(ctx, prior.OutputRef)
		if err != nil {
			return nil, schema.AsFlowError(err).WithTask(prior.Reference)
		}
		out = doc
	}
	*x.tc.Instance = *prior
	wc.track(prior)
	wc.svc.Logger.DebugContext(ctx, "task replayed",
		slog.String("reference", prior.Reference),
		slog.String("status", string(prior.Status)))
	return &Result{
		Output:    out,
		OutputRef: prior.OutputRef,
		Next:      prior.Next.Normalize(),
		Skipped:   prior.Status == schema.TaskStatusSkipped,
	}, nil
}

// transition validates and applies a status change, then records it.
func (x *taskExecutor) transition(ctx context.Context, to schema.TaskStatus) error {
	wc, inst := x.tc.Workflow, x.tc.Instance
	if err := wc.taskFSM.Check(inst.Status, to); err != nil {
		return schema.AsFlowError(err).WithTask(inst.Reference)
	}
	inst.Status = to
	inst.UpdatedAt = time.Now().UTC()
	wc.track(inst)
	wc.recordTask(ctx, wc.taskFSM.EventType(to), inst)
	return nil
}

func (x *taskExecutor) finished(ctx context.Context) {
	wc, inst := x.tc.Workflow, x.tc.Instance
	if obs := wc.svc.Observer; obs != nil {
		var elapsed time.Duration
		if !x.begun.IsZero() {
			elapsed = time.Since(x.begun)
		}
		obs.TaskFinished(ctx, inst, elapsed)
	}
	attrs := []any{
		slog.String("reference", inst.Reference),
		slog.String("status", string(inst.Status)),
	}
	if inst.Error != nil {
		attrs = append(attrs, slog.String("error", inst.Error.Error()))
	}
	wc.svc.Logger.DebugContext(ctx, "task finished", attrs...)
}

// recordTask journals a task event and publishes it when lifecycle events
// are enabled. Recording failures are logged; they do not fault the task.
func (wc *WorkflowContext) recordTask(ctx context.Context, eventType string, inst *schema.TaskInstance) {
	ctx = context.WithoutCancel(ctx)
	snapshot := *inst
	if j := wc.svc.Journal; j != nil {
		if err := j.RecordTask(ctx, eventType, &snapshot); err != nil {
			wc.svc.Logger.WarnContext(ctx, "task journal write failed",
				slog.String("event", eventType),
				slog.String("error", err.Error()))
		}
	}
	wc.publishLifecycle(ctx, eventType, inst.Reference, &snapshot)
}

// recordWorkflow journals and publishes a workflow event.
func (wc *WorkflowContext) recordWorkflow(ctx context.Context, eventType string) {
	ctx = context.WithoutCancel(ctx)
	snapshot := wc.Instance()
	if j := wc.svc.Journal; j != nil {
		if err := j.RecordWorkflow(ctx, eventType, snapshot); err != nil {
			wc.svc.Logger.WarnContext(ctx, "workflow journal write failed",
				slog.String("event", eventType),
				slog.String("error", err.Error()))
		}
	}
	wc.publishLifecycle(ctx, eventType, "", snapshot)
}

func (wc *WorkflowContext) publishLifecycle(ctx context.Context, eventType, subject string, data any) {
	if !wc.svc.Options.PublishLifecycle || wc.svc.Bus == nil {
		return
	}
	now := time.Now().UTC()
	ev := &schema.CloudEvent{
		ID:              uuid.NewString(),
		Source:          schema.EventSource,
		Type:            eventType,
		SpecVersion:     schema.CloudEventSpecVersion,
		Subject:         subject,
		Time:            &now,
		DataContentType: "application/json",
		Data:            data,
		Extensions:      map[string]any{"workflowinstanceid": wc.instance.ID},
	}
	if err := wc.svc.Bus.Publish(ctx, ev); err != nil {
		wc.svc.Logger.WarnContext(ctx, "lifecycle event publish failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
