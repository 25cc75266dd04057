package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/flowcore/pkg/schema"
)

// Observer turns task and workflow lifecycle notifications into metrics
// and spans. It satisfies engine.Observer.
type Observer struct {
	tracer        trace.Tracer
	tasksStarted  metric.Int64Counter
	tasksFinished metric.Int64Counter
	taskDuration  metric.Float64Histogram
	workflows     metric.Int64Counter
	wfDuration    metric.Float64Histogram
}

type spanKey struct{}

// taskSpan ties a span to the task that opened it so nested tasks never end
// an ancestor's span.
type taskSpan struct {
	reference string
	span      trace.Span
}

// NewObserver registers the engine instruments on the service's meter.
func (s *Service) NewObserver() (*Observer, error) {
	m := s.meter
	started, err := m.Int64Counter("flowcore.task.started",
		metric.WithDescription("Tasks that entered the running status"))
	if err != nil {
		return nil, err
	}
	finished, err := m.Int64Counter("flowcore.task.finished",
		metric.WithDescription("Tasks that reached a final or suspended status"))
	if err != nil {
		return nil, err
	}
	taskDuration, err := m.Float64Histogram("flowcore.task.duration",
		metric.WithDescription("Task execution time"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	workflows, err := m.Int64Counter("flowcore.workflow.finished",
		metric.WithDescription("Workflow execution passes by resulting status"))
	if err != nil {
		return nil, err
	}
	wfDuration, err := m.Float64Histogram("flowcore.workflow.duration",
		metric.WithDescription("Workflow execution pass time"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Observer{
		tracer:        s.tracer,
		tasksStarted:  started,
		tasksFinished: finished,
		taskDuration:  taskDuration,
		workflows:     workflows,
		wfDuration:    wfDuration,
	}, nil
}

func (o *Observer) TaskStarted(ctx context.Context, task *schema.TaskInstance) context.Context {
	kind := attribute.String("task.kind", string(task.Kind))
	o.tasksStarted.Add(ctx, 1, metric.WithAttributes(kind))
	ctx, span := o.tracer.Start(ctx, "task "+string(task.Kind),
		trace.WithAttributes(
			kind,
			attribute.String("task.reference", task.Reference),
			attribute.String("workflow.instance_id", task.WorkflowInstanceID),
		))
	return context.WithValue(ctx, spanKey{}, &taskSpan{reference: task.Reference, span: span})
}

func (o *Observer) TaskFinished(ctx context.Context, task *schema.TaskInstance, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("task.status", string(task.Status)),
	)
	o.tasksFinished.Add(ctx, 1, attrs)
	o.taskDuration.Record(ctx, elapsed.Seconds(), attrs)

	ts, ok := ctx.Value(spanKey{}).(*taskSpan)
	if !ok || ts.reference != task.Reference {
		return
	}
	if task.Error != nil {
		ts.span.RecordError(task.Error)
		ts.span.SetStatus(codes.Error, task.Error.Message)
	}
	ts.span.SetAttributes(attribute.String("task.status", string(task.Status)))
	ts.span.End()
}

func (o *Observer) WorkflowFinished(ctx context.Context, wf *schema.WorkflowInstance, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow.name", wf.Namespace+"."+wf.Name),
		attribute.String("workflow.status", string(wf.Status)),
	)
	o.workflows.Add(ctx, 1, attrs)
	o.wfDuration.Record(ctx, elapsed.Seconds(), attrs)
}
