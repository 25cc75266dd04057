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

func TestDo_SequentialChainsOutputs(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - steps:
      do:
        - one:
            set:
              n: ${ .n + 1 }
        - two:
            set:
              n: ${ .n * 10 }
`)
	wc, out := execute(t, newTestServices(t), def, map[string]any{"n": 1})
	assertJSON(t, map[string]any{"n": 20}, out.Output)

	one := requireStatus(t, wc, "/do/0/steps/do/0/one", schema.TaskStatusCompleted)
	assert.Equal(t, "/do/0/steps", one.ParentReference)
	requireStatus(t, wc, "/do/0/steps/do/1/two", schema.TaskStatusCompleted)
}

func TestDo_ConcurrentModeCollectsOutputsInOrder(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - both:
      mode: concurrent
      do:
        - slow:
            wait: 30ms
        - fast:
            set:
              fast: true
`)
	_, out := execute(t, newTestServices(t), def, map[string]any{"k": 1})
	assertJSON(t, []any{map[string]any{"k": 1}, map[string]any{"fast": true}}, out.Output)
}

func TestFork_BranchesSeeSameInput(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - split:
      fork:
        branches:
          - left:
              set:
                side: ${ "left-" + .id }
          - right:
              set:
                side: ${ "right-" + .id }
`)
	wc, out := execute(t, newTestServices(t), def, map[string]any{"id": "x"})
	assertJSON(t, []any{
		map[string]any{"side": "left-x"},
		map[string]any{"side": "right-x"},
	}, out.Output)
	requireStatus(t, wc, "/do/0/split/fork/branches/0/left", schema.TaskStatusCompleted)
	requireStatus(t, wc, "/do/0/split/fork/branches/1/right", schema.TaskStatusCompleted)
}

func TestFork_FirstFaultCancelsSiblings(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - split:
      fork:
        branches:
          - boom:
              raise:
                error:
                  type: runtime
                  title: Boom
          - slow:
              wait: 5s
`)
	begun := time.Now()
	wc, out := execute(t, newTestServices(t), def, nil)
	assert.Less(t, time.Since(begun), 2*time.Second)

	require.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status)
	assert.Equal(t, "/do/0/split/fork/branches/0/boom", out.Instance.Error.TaskRef)
	requireStatus(t, wc, "/do/0/split/fork/branches/1/slow", schema.TaskStatusCancelled)
	requireStatus(t, wc, "/do/0/split", schema.TaskStatusFaulted)
}

func TestFork_CompeteTakesFirstCompletion(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - race:
      fork:
        compete: true
        branches:
          - tortoise:
              wait: 5s
          - hare:
              set:
                winner: hare
`)
	begun := time.Now()
	wc, out := execute(t, newTestServices(t), def, nil)
	assert.Less(t, time.Since(begun), 2*time.Second)

	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"winner": "hare"}, out.Output)
	requireStatus(t, wc, "/do/0/race/fork/branches/0/tortoise", schema.TaskStatusCancelled)
}

func TestFork_MaxConcurrencyBoundsBranches(t *testing.T) {
	svc := newTestServices(t)
	svc.Options.MaxForkConcurrency = 2
	svc.Functions = functions.NewRegistry(nil)
	var current, peak atomic.Int64
	require.NoError(t, svc.Functions.Register(&functions.Func{
		FuncName: "sample",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return n, nil
		},
	}))
	def := parseWorkflow(t, `
do:
  - fan:
      fork:
        branches:
          - a:
              call: sample
          - b:
              call: sample
          - c:
              call: sample
          - d:
              call: sample
`)
	_, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, out.Output, 4)
}

func TestFork_ExitFromBranchStopsWorkflow(t *testing.T) {
	def := parseWorkflow(t, `
do:
  - split:
      fork:
        branches:
          - quit:
              set:
                done: true
              then: exit
  - never:
      set:
        reached: true
`)
	wc, out := execute(t, newTestServices(t), def, nil)
	assert.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assert.False(t, hasInstance(wc, "/do/1/never"))
}
