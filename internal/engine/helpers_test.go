package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// countingDocs counts document writes.
type countingDocs struct {
	store.DocumentStore
	puts atomic.Int64
}

func (c *countingDocs) PutDocument(ctx context.Context, content any) (string, error) {
	c.puts.Add(1)
	return c.DocumentStore.PutDocument(ctx, content)
}

// recordingJournal keeps every journaled event in order.
type recordingJournal struct {
	mu     sync.Mutex
	tasks  []string
	flows  []string
	failOn string
}

func (j *recordingJournal) RecordTask(_ context.Context, eventType string, task *schema.TaskInstance) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, eventType+" "+task.Reference)
	if eventType == j.failOn {
		return schema.NewError(schema.ErrCodeStore, "journal unavailable")
	}
	return nil
}

func (j *recordingJournal) RecordWorkflow(_ context.Context, eventType string, _ *schema.WorkflowInstance) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.flows = append(j.flows, eventType)
	return nil
}

func (j *recordingJournal) taskEvents() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.tasks...)
}

func (j *recordingJournal) workflowEvents() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.flows...)
}

// countingObserver counts lifecycle notifications.
type countingObserver struct {
	started, finished, workflows atomic.Int64
}

func (o *countingObserver) TaskStarted(ctx context.Context, _ *schema.TaskInstance) context.Context {
	o.started.Add(1)
	return ctx
}

func (o *countingObserver) TaskFinished(context.Context, *schema.TaskInstance, time.Duration) {
	o.finished.Add(1)
}

func (o *countingObserver) WorkflowFinished(context.Context, *schema.WorkflowInstance, time.Duration) {
	o.workflows.Add(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServices(t *testing.T) Services {
	t.Helper()
	ev, err := expressions.NewEvaluator("")
	require.NoError(t, err)
	return Services{
		Evaluator: ev,
		Documents: store.NewMemoryStore(),
		Bus:       eventbus.NewMemoryBus(64),
		Logger:    discardLogger(),
	}
}

// parseWorkflow builds a definition from YAML. The document header is
// filled in when absent.
func parseWorkflow(t *testing.T, src string) *schema.Workflow {
	t.Helper()
	doc, err := validation.Decode([]byte(src), validation.FormatYAML)
	require.NoError(t, err)
	if _, ok := doc["document"]; !ok {
		doc["document"] = map[string]any{"dsl": "1.0.0", "namespace": "test", "name": "wf", "version": "1.0.0"}
	}
	def, err := validation.Build(doc)
	require.NoError(t, err)
	return def
}

func newPendingInstance() *schema.WorkflowInstance {
	return &schema.WorkflowInstance{
		ID:        uuid.NewString(),
		Namespace: "test",
		Name:      "wf",
		Version:   "1.0.0",
		Status:    schema.WorkflowStatusPending,
	}
}

func newWorkflowContext(t *testing.T, svc Services, def *schema.Workflow, input any) *WorkflowContext {
	t.Helper()
	wc, err := NewWorkflowContext(def, newPendingInstance(), input, svc)
	require.NoError(t, err)
	return wc
}

// execute runs def to its end and returns the context and outcome.
func execute(t *testing.T, svc Services, def *schema.Workflow, input any) (*WorkflowContext, *Outcome) {
	t.Helper()
	wc := newWorkflowContext(t, svc, def, input)
	out, err := wc.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	return wc, out
}

// assertJSON compares values by their JSON encoding so numeric types do not matter.
func assertJSON(t *testing.T, expected, actual any) {
	t.Helper()
	want, err := json.Marshal(expected)
	require.NoError(t, err)
	got, err := json.Marshal(actual)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func requireStatus(t *testing.T, wc *WorkflowContext, ref string, status schema.TaskStatus) *schema.TaskInstance {
	t.Helper()
	inst, ok := wc.LookupInstance(ref)
	require.True(t, ok, "no instance at %s", ref)
	require.Equal(t, status, inst.Status, "status of %s", ref)
	return inst
}

func hasInstance(wc *WorkflowContext, ref string) bool {
	_, ok := wc.LookupInstance(ref)
	return ok
}
