package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/functions"
	"github.com/rendis/flowcore/pkg/schema"
)

// flakyServices registers "flaky", which fails with a communication error
// until it has been called failures times.
func flakyServices(t *testing.T, failures int64) (Services, *atomic.Int64) {
	t.Helper()
	svc := newTestServices(t)
	svc.Functions = functions.NewRegistry(nil)
	var calls atomic.Int64
	require.NoError(t, svc.Functions.Register(&functions.Func{
		FuncName: "flaky",
		Fn: func(context.Context, map[string]any) (any, error) {
			n := calls.Add(1)
			if failures < 0 || n <= failures {
				return nil, schema.NewErrorf(schema.ErrCodeCommunication, "upstream down (call %d)", n)
			}
			return map[string]any{"calls": n}, nil
		},
	}))
	return svc, &calls
}

const retryYAML = `
do:
  - guarded:
      try:
        - hit:
            call: flaky
      catch:
        errors:
          with:
            type: runtime
        retry:
          delay: 1ms
          backoff: exponential
          limit:
            attempt:
              count: 3
`

func TestTry_RetriesUntilSuccess(t *testing.T) {
	svc, calls := flakyServices(t, 2)
	journal := &recordingJournal{}
	svc.Journal = journal
	def := parseWorkflow(t, retryYAML)

	wc, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"calls": 3}, out.Output)
	assert.EqualValues(t, 3, calls.Load())

	hit := requireStatus(t, wc, "/do/0/guarded/try/0/hit", schema.TaskStatusCompleted)
	assert.Equal(t, 2, hit.Attempt)

	retried := 0
	for _, ev := range journal.taskEvents() {
		if ev == schema.EventTaskRetried+" /do/0/guarded" {
			retried++
		}
	}
	assert.Equal(t, 2, retried)
}

func TestTry_RetriesExhaustedFaults(t *testing.T) {
	svc, calls := flakyServices(t, -1)
	def := parseWorkflow(t, retryYAML)

	_, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status)
	assert.Equal(t, schema.ErrCodeRuntime, out.Instance.Error.Code)
	assert.Equal(t, "/do/0/guarded/try/0/hit", out.Instance.Error.TaskRef)
	assert.EqualValues(t, 3, calls.Load())
}

func TestTry_CatchDoRunsAfterRetriesExhausted(t *testing.T) {
	svc, calls := flakyServices(t, -1)
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - hit:
            call: flaky
      catch:
        as: failure
        retry:
          delay: 1ms
          limit:
            attempt:
              count: 2
        do:
          - recover:
              set:
                recovered: true
                from: ${ $failure.instance }
                code: ${ $failure.code }
`)
	wc, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{
		"recovered": true,
		"from":      "/do/0/guarded/try/0/hit",
		"code":      schema.ErrCodeRuntime,
	}, out.Output)
	assert.EqualValues(t, 2, calls.Load())
	requireStatus(t, wc, "/do/0/guarded/catch/do/0/recover", schema.TaskStatusCompleted)
	requireStatus(t, wc, "/do/0/guarded", schema.TaskStatusCompleted)
}

func TestTry_CatchWithoutDoPassesInputThrough(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - boom:
            raise:
              error:
                type: validation
                title: Bad
      catch:
        errors:
          with:
            type: validation
`)
	_, out := execute(t, newTestServices(t), def, map[string]any{"k": "v"})
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"k": "v"}, out.Output)
}

func TestTry_ErrorFilterMismatchPropagates(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - boom:
            raise:
              error:
                type: runtime
                title: Boom
      catch:
        errors:
          with:
            type: timeout
        do:
          - never:
              set:
                caught: true
`)
	wc, out := execute(t, newTestServices(t), def, nil)
	require.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status)
	assert.Equal(t, schema.ErrorTypeBase+"runtime", out.Instance.Error.Type)
	assert.False(t, hasInstance(wc, "/do/0/guarded/catch/do/0/never"))
	requireStatus(t, wc, "/do/0/guarded", schema.TaskStatusFaulted)
}

func TestTry_WhenAndExceptWhenGuards(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - boom:
            raise:
              error:
                type: communication
                status: 503
                title: Upstream
      catch:
        when: ${ $input.mode != "ignore" }
        exceptWhen: ${ $input.mode == "strict" }
        do:
          - handled:
              set:
                handled: ${ $error.status }
`)
	svc := newTestServices(t)

	_, out := execute(t, svc, def, map[string]any{"mode": "handle"})
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"handled": 503}, out.Output)

	_, out = execute(t, svc, def, map[string]any{"mode": "strict"})
	assert.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status, "excepted")

	_, out = execute(t, svc, def, map[string]any{"mode": "ignore"})
	assert.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status, "not selected")
}

func TestTry_RetryWhenFalseSkipsRetries(t *testing.T) {
	svc, calls := flakyServices(t, -1)
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - hit:
            call: flaky
      catch:
        retry:
          when: ${ $error.status == 418 }
          delay: 1ms
        do:
          - fallback:
              set:
                fallback: true
`)
	_, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"fallback": true}, out.Output)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTry_CancellationIsNotCaught(t *testing.T) {
	svc := newTestServices(t)
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - slow:
            wait: 5s
      catch:
        do:
          - handled:
              set:
                handled: true
`)
	wc := newWorkflowContext(t, svc, def, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	out, err := wc.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCancelled, out.Instance.Status)
	assert.False(t, hasInstance(wc, "/do/0/guarded/catch/do/0/handled"))
	requireStatus(t, wc, "/do/0/guarded/try/0/slow", schema.TaskStatusCancelled)
}

func TestTry_ErrorInstanceMatchesNestedReference(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - guarded:
      try:
        - inner:
            do:
              - boom:
                  raise:
                    error:
                      type: runtime
                      title: Boom
      catch:
        errors:
          with:
            instance: /do/0/guarded/try/0/inner
`)
	_, out := execute(t, newTestServices(t), def, map[string]any{"ok": true})
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"ok": true}, out.Output)
}

func TestMatchError(t *testing.T) {
	fe := schema.NewError(schema.ErrCodeTimeout, "slow").WithTask("/do/0/a/do/1/b")
	fe.Title = "Slow"

	assert.True(t, matchError(&schema.ErrorMatch{}, fe))
	assert.True(t, matchError(&schema.ErrorMatch{Type: "timeout"}, fe))
	assert.True(t, matchError(&schema.ErrorMatch{Type: schema.ErrorTypeBase + "timeout"}, fe))
	assert.True(t, matchError(&schema.ErrorMatch{Status: 408, Title: "Slow"}, fe))
	assert.True(t, matchError(&schema.ErrorMatch{Instance: "/do/0/a"}, fe))

	assert.False(t, matchError(&schema.ErrorMatch{Type: "runtime"}, fe))
	assert.False(t, matchError(&schema.ErrorMatch{Status: 500}, fe))
	assert.False(t, matchError(&schema.ErrorMatch{Instance: "/do/0/ab"}, fe))
}
