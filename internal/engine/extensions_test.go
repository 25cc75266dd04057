package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestExtensions_HooksWrapHost(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - audit:
        extend: set
        before:
          - note:
              wait: 0s
              export:
                as: '${ $context + {trail: (($context.trail // []) + ["before"])} }'
        after:
          - note:
              wait: 0s
              export:
                as: '${ $context + {trail: (($context.trail // []) + ["after:" + (.done | tostring)])} }'
do:
  - work:
      set:
        done: true
`)
	wc, out := execute(t, newTestServices(t), def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"done": true}, out.Output)
	assertJSON(t, map[string]any{"trail": []any{"before", "after:true"}}, wc.Variables())

	before := requireStatus(t, wc, "/do/0/work/extensions/0/audit/before/0/note", schema.TaskStatusCompleted)
	assert.Equal(t, "/do/0/work", before.ParentReference)
	requireStatus(t, wc, "/do/0/work/extensions/0/audit/after/0/note", schema.TaskStatusCompleted)
}

func TestExtensions_BeforeHookReplacesInput(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - bump:
        extend: all
        before:
          - inc:
              set:
                x: ${ .x + 1 }
do:
  - scale:
      set:
        y: ${ .x * 10 }
`)
	_, out := execute(t, newTestServices(t), def, map[string]any{"x": 1})
	assertJSON(t, map[string]any{"y": 20}, out.Output)
}

func TestExtensions_KindAndWhenFilters(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - onlyB:
        extend: all
        when: ${ .name == "b" }
        before:
          - mark:
              wait: 0s
    - onlyWaits:
        extend: wait
        before:
          - mark:
              wait: 0s
do:
  - a:
      set:
        v: 1
  - b:
      set:
        v: 2
  - c:
      wait: 0s
`)
	wc, _ := execute(t, newTestServices(t), def, nil)
	assert.False(t, hasInstance(wc, "/do/0/a/extensions/0/onlyB/before/0/mark"))
	assert.True(t, hasInstance(wc, "/do/1/b/extensions/0/onlyB/before/0/mark"))
	assert.False(t, hasInstance(wc, "/do/1/b/extensions/1/onlyWaits/before/0/mark"))
	assert.True(t, hasInstance(wc, "/do/2/c/extensions/1/onlyWaits/before/0/mark"))
	assert.False(t, hasInstance(wc, "/extensions/0/onlyB/before/0/mark"), "root is never extended")
}

func TestExtensions_HookTasksAreNotExtended(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - everywhere:
        extend: all
        before:
          - mark:
              wait: 0s
do:
  - a:
      set:
        v: 1
`)
	wc, _ := execute(t, newTestServices(t), def, nil)
	require.True(t, hasInstance(wc, "/do/0/a/extensions/0/everywhere/before/0/mark"))
	assert.False(t, hasInstance(wc, "/do/0/a/extensions/0/everywhere/before/0/mark/extensions/0/everywhere/before/0/mark"))
}

func TestExtensions_FaultingHookFaultsHost(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - gate:
        extend: set
        before:
          - deny:
              raise:
                error:
                  type: authorization
                  title: Denied
do:
  - work:
      set:
        done: true
`)
	wc, out := execute(t, newTestServices(t), def, nil)
	require.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status)
	assert.Equal(t, "/do/0/work/extensions/0/gate/before/0/deny", out.Instance.Error.TaskRef)
	assert.Equal(t, schema.ErrCodePermission, out.Instance.Error.Code)
	requireStatus(t, wc, "/do/0/work", schema.TaskStatusFaulted)
}

func TestExtensions_ExitFromBeforeHookSkipsHost(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - stopper:
        extend: set
        when: ${ .name == "first" }
        before:
          - halt:
              set:
                halted: true
              then: exit
do:
  - first:
      set:
        ran: true
  - second:
      set:
        ran: true
`)
	wc, out := execute(t, newTestServices(t), def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"halted": true}, out.Output)
	requireStatus(t, wc, "/do/0/first", schema.TaskStatusSkipped)
	assert.False(t, hasInstance(wc, "/do/1/second"))
}

func TestSetsOutput(t *testing.T) {
	assert.True(t, setsOutput(&schema.SetTask{}))
	assert.False(t, setsOutput(&schema.WaitTask{}))
	assert.True(t, setsOutput(&schema.WaitTask{TaskBase: schema.TaskBase{Output: &schema.Output{As: "${ . }"}}}))
}

func TestExtensions_BeforeHookExportVisibleToHost(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - tag:
        extend: set
        before:
          - mark:
              wait: 0s
              export:
                as: '${ {phase: "before"} }'
do:
  - work:
      set:
        seen: ${ $context.phase }
      output:
        as: '${ . + {phaseOut: $context.phase} }'
`)
	_, out := execute(t, newTestServices(t), def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)
	assertJSON(t, map[string]any{"seen": "before", "phaseOut": "before"}, out.Output)
}

func TestExtensions_AfterHookExportVisibleToOutput(t *testing.T) {
	def := parseWorkflow(t, `
use:
  extensions:
    - tag:
        extend: set
        after:
          - mark:
              wait: 0s
              export:
                as: '${ {phase: "after"} }'
do:
  - work:
      set:
        v: 1
      output:
        as: '${ . + {phase: $context.phase} }'
`)
	_, out := execute(t, newTestServices(t), def, nil)
	assertJSON(t, map[string]any{"v": 1, "phase": "after"}, out.Output)
}

func TestExtensions_BeforeHooksRunInDeclarationOrder(t *testing.T) {
	svc := newTestServices(t)
	journal := &recordingJournal{}
	svc.Journal = journal
	def := parseWorkflow(t, `
use:
  extensions:
    - first:
        extend: all
        before:
          - h1:
              wait: 0s
    - second:
        extend: all
        before:
          - h2:
              wait: 0s
do:
  - x:
      set:
        v: 1
`)
	_, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusCompleted, out.Instance.Status)

	h1 := "/do/0/x/extensions/0/first/before/0/h1"
	h2 := "/do/0/x/extensions/1/second/before/0/h2"
	events := journal.taskEvents()
	h1Done := indexOf(events, schema.EventTaskCompleted+" "+h1)
	h2Start := indexOf(events, schema.EventTaskStarted+" "+h2)
	hostDone := indexOf(events, schema.EventTaskCompleted+" /do/0/x")
	require.NotEqual(t, -1, h1Done)
	require.NotEqual(t, -1, h2Start)
	assert.Less(t, h1Done, h2Start)
	assert.Less(t, h2Start, hostDone)
}

func TestExtensions_FaultInFirstHookStopsLaterHooksAndHost(t *testing.T) {
	svc := newTestServices(t)
	journal := &recordingJournal{}
	svc.Journal = journal
	def := parseWorkflow(t, `
use:
  extensions:
    - first:
        extend: all
        before:
          - h1:
              raise:
                error:
                  type: validation
                  title: Rejected
    - second:
        extend: all
        before:
          - h2:
              wait: 0s
do:
  - x:
      do:
        - inner:
            set:
              v: 1
`)
	wc, out := execute(t, svc, def, nil)
	require.Equal(t, schema.WorkflowStatusFaulted, out.Instance.Status)
	assert.Equal(t, "/do/0/x/extensions/0/first/before/0/h1", out.Instance.Error.TaskRef)
	requireStatus(t, wc, "/do/0/x", schema.TaskStatusFaulted)

	assert.False(t, hasInstance(wc, "/do/0/x/extensions/1/second/before/0/h2"))
	assert.False(t, hasInstance(wc, "/do/0/x/do/0/inner"))
	for _, ev := range journal.taskEvents() {
		assert.NotContains(t, ev, "/extensions/1/")
		assert.NotContains(t, ev, "/do/0/x/do/")
	}
}

func indexOf(events []string, want string) int {
	for i, ev := range events {
		if ev == want {
			return i
		}
	}
	return -1
}
