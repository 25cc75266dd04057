package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// RootReference is the reference of the synthetic task wrapping a
// workflow's top-level do list.
const RootReference = "/"

// Outcome is the state of a workflow instance after an execution pass.
type Outcome struct {
	Instance *schema.WorkflowInstance `json:"instance"`
	Output   any                      `json:"output,omitempty"`
}

// Execute runs the workflow from its pending or suspended state until it
// completes, faults, is cancelled or suspends. Workflow faults are reported
// on the outcome's instance; the returned error is reserved for failures to
// drive the instance at all.
func (wc *WorkflowContext) Execute(ctx context.Context) (*Outcome, error) {
	ctx = logging.WithWorkflowInstance(ctx, wc.instance.ID)
	log := wc.svc.Logger

	wc.mu.Lock()
	from := wc.instance.Status
	if err := wc.wfFSM.Check(from, schema.WorkflowStatusRunning); err != nil {
		wc.mu.Unlock()
		return nil, err
	}
	now := time.Now().UTC()
	wc.instance.Status = schema.WorkflowStatusRunning
	wc.instance.Error = nil
	wc.instance.EndedAt = nil
	wc.instance.UpdatedAt = now
	if wc.instance.StartedAt == nil {
		wc.instance.StartedAt = &now
	}
	wc.mu.Unlock()

	event := schema.EventWorkflowStarted
	if from == schema.WorkflowStatusSuspended {
		event = schema.EventWorkflowResumed
	}
	wc.recordWorkflow(ctx, event)
	log.InfoContext(ctx, "workflow running",
		slog.String("workflow", wc.def.Document.QualifiedName()),
		slog.String("from", string(from)))

	begun := time.Now()
	output, err := wc.executeRoot(ctx)
	outcome, ferr := wc.finish(ctx, output, err)
	if obs := wc.svc.Observer; obs != nil {
		obs.WorkflowFinished(ctx, outcome.Instance, time.Since(begun))
	}
	return outcome, ferr
}

// executeRoot prepares the workflow input and runs the top-level do list.
func (wc *WorkflowContext) executeRoot(ctx context.Context) (any, error) {
	if err := wc.loadSecrets(ctx); err != nil {
		return nil, err
	}
	input, transformed, err := wc.prepareInput(ctx)
	if err != nil {
		return nil, err
	}
	runCtx := ctx
	if t := wc.def.Timeout; t != nil && t.After.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.After.Duration)
		defer cancel()
	}
	root := &schema.TaskItem{Name: "", Task: &schema.DoTask{Do: wc.def.Do}}
	tc, err := wc.NewTaskContext(nil, root, RootReference, input)
	if err != nil {
		return nil, err
	}
	tc.synthetic = true
	if !transformed {
		tc.InputRef = wc.instance.InputRef
	}
	exec, err := NewExecutor(tc)
	if err != nil {
		return nil, err
	}
	res, err := exec.Execute(runCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", wc.def.Timeout.After.Duration).
				WithCause(err)
		}
		return nil, err
	}
	return wc.transformOutput(ctx, res.Output)
}

// prepareInput validates the raw input against input.schema and applies
// input.from.
func (wc *WorkflowContext) prepareInput(ctx context.Context) (any, bool, error) {
	in := wc.def.Input
	if in == nil {
		return wc.input, false, nil
	}
	if in.Schema != nil && len(in.Schema.Document) > 0 {
		if err := wc.svc.Schemas.Validate(in.Schema.Document, wc.input); err != nil {
			return nil, false, err
		}
	}
	if in.From == nil {
		return wc.input, false, nil
	}
	args := map[string]any{
		"$workflow": wc.descriptor(),
		"$context":  wc.Variables(),
	}
	v, err := wc.svc.Evaluator.EvaluateTemplate(ctx, in.From, wc.input, args)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (wc *WorkflowContext) transformOutput(ctx context.Context, output any) (any, error) {
	out := wc.def.Output
	if out == nil {
		return output, nil
	}
	if out.As != nil {
		args := map[string]any{
			"$workflow": wc.descriptor(),
			"$context":  wc.Variables(),
			"$output":   output,
		}
		v, err := wc.svc.Evaluator.EvaluateTemplate(ctx, out.As, output, args)
		if err != nil {
			return nil, err
		}
		output = v
	}
	if out.Schema != nil && len(out.Schema.Document) > 0 {
		if err := wc.svc.Schemas.Validate(out.Schema.Document, output); err != nil {
			return nil, err
		}
	}
	return output, nil
}

// finish records the terminal or suspended state of the workflow.
func (wc *WorkflowContext) finish(ctx context.Context, output any, runErr error) (*Outcome, error) {
	docs := wc.svc.Documents
	persist := context.WithoutCancel(ctx)
	status := schema.WorkflowStatusCompleted
	var fe *schema.FlowError
	if runErr != nil {
		fe = schema.AsFlowError(runErr)
		switch {
		case errors.Is(runErr, schema.ErrSuspended):
			status = schema.WorkflowStatusSuspended
		case fe.Code == schema.ErrCodeCancelled:
			status = schema.WorkflowStatusCancelled
		default:
			status = schema.WorkflowStatusFaulted
		}
	}

	var outputRef string
	if status == schema.WorkflowStatusCompleted {
		ref, err := docs.PutDocument(persist, output)
		if err != nil {
			status, fe = schema.WorkflowStatusFaulted, schema.AsFlowError(err)
		} else {
			outputRef = ref
		}
	}
	contextRef, err := docs.PutDocument(persist, wc.Variables())
	if err != nil {
		wc.svc.Logger.WarnContext(ctx, "workflow context write failed", slog.String("error", err.Error()))
	}

	wc.mu.Lock()
	if err := wc.wfFSM.Check(wc.instance.Status, status); err != nil {
		wc.mu.Unlock()
		return &Outcome{Instance: wc.Instance()}, err
	}
	now := time.Now().UTC()
	wc.instance.Status = status
	wc.instance.UpdatedAt = now
	if outputRef != "" {
		wc.instance.OutputRef = outputRef
	}
	if contextRef != "" {
		wc.instance.ContextRef = contextRef
	}
	if status == schema.WorkflowStatusFaulted {
		wc.instance.Error = fe
	}
	if status.IsTerminal() {
		wc.instance.EndedAt = &now
	}
	wc.mu.Unlock()

	wc.recordWorkflow(ctx, wc.wfFSM.EventType(status))
	attrs := []any{slog.String("status", string(status))}
	if fe != nil && status == schema.WorkflowStatusFaulted {
		attrs = append(attrs, slog.String("error", fe.Error()))
	}
	wc.svc.Logger.InfoContext(ctx, "workflow finished", attrs...)

	outcome := &Outcome{Instance: wc.Instance()}
	if status == schema.WorkflowStatusCompleted {
		outcome.Output = output
	}
	return outcome, nil
}
