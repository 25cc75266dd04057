package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

type mockLookup map[string]bool

func (m mockLookup) Has(name string) bool { return m[name] }

const validYAML = `
document:
  dsl: "1.0.0"
  namespace: demo
  name: greet
  version: "1.0.0"
use:
  functions:
    shout:
      set:
        text: ${ .text | ascii_upcase }
do:
  - check:
      switch:
        - named:
            when: ${ .name != null }
            then: hello
        - anonymous:
            then: fallback
  - fallback:
      set:
        name: stranger
  - hello:
      call: shout
      with:
        text: ${ "hi " + .name }
`

func newValidator(t *testing.T, lookup FunctionLookup) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return v
}

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Path
	}
	return out
}

func TestWorkflowValidator_ParseValidYAML(t *testing.T) {
	v := newValidator(t, nil)
	def, result, err := v.Parse([]byte(validYAML), "")
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, "demo.greet:1.0.0", def.Document.QualifiedName())
	require.Len(t, def.Do, 3)
	assert.Equal(t, schema.KindSwitch, def.Do[0].Task.Kind())
	assert.Contains(t, def.Use.Functions, "shout")
}

func TestWorkflowValidator_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	v := newValidator(t, nil)
	def, _, err := v.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "greet", def.Document.Name)
}

func TestWorkflowValidator_MissingFile(t *testing.T) {
	v := newValidator(t, nil)
	_, _, err := v.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsFlowError(err).Code)
}

func TestWorkflowValidator_StructuralErrorsShortCircuit(t *testing.T) {
	v := newValidator(t, nil)
	_, result, err := v.Parse([]byte(`{"document": {"dsl": "1.0.0", "name": "x"}, "do": []}`), FormatJSON)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeValidation, schema.AsFlowError(err).Code)
}

func TestWorkflowValidator_UnknownTopLevelKey(t *testing.T) {
	v := newValidator(t, nil)
	result := v.ValidateDocument(map[string]any{
		"document": map[string]any{"dsl": "1.0.0", "namespace": "a", "name": "b", "version": "1"},
		"do":       []any{map[string]any{"x": map[string]any{"set": map[string]any{}}}},
		"steps":    []any{},
	})
	assert.False(t, result.Valid())
}

func TestWorkflowValidator_AmbiguousTaskFailsBuild(t *testing.T) {
	v := newValidator(t, nil)
	_, result, err := v.Parse([]byte(`
document: {dsl: "1.0.0", namespace: a, name: b, version: "1"}
do:
  - x:
      set: {a: 1}
      wait: PT1S
`), FormatYAML)
	require.Error(t, err)
	assert.False(t, result.Valid())
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestWorkflowValidator_DanglingGoto(t *testing.T) {
	def := &schema.Workflow{
		Document: schema.Document{DSL: "1.0.0", Namespace: "a", Name: "b", Version: "1"},
		Do: schema.TaskList{
			{Name: "first", Task: &schema.SetTask{TaskBase: schema.TaskBase{Then: "missing"}, Set: map[string]any{}}},
			{Name: "route", Task: &schema.SwitchTask{Switch: schema.SwitchCases{
				{Name: "go", When: "${ true }", Then: "nowhere"},
			}}},
		},
	}
	result := newValidator(t, nil).Validate(def)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, []string{"/do/0/first/then", "/do/1/route/switch/0/go/then"}, issuePaths(result.Errors))
}

func TestWorkflowValidator_GotoSiblingAndReserved(t *testing.T) {
	def := &schema.Workflow{
		Do: schema.TaskList{
			{Name: "a", Task: &schema.SetTask{TaskBase: schema.TaskBase{Then: "c"}, Set: map[string]any{}}},
			{Name: "b", Task: &schema.SetTask{TaskBase: schema.TaskBase{Then: schema.FlowExit}, Set: map[string]any{}}},
			{Name: "c", Task: &schema.SetTask{TaskBase: schema.TaskBase{Then: schema.FlowEnd}, Set: map[string]any{}}},
		},
	}
	assert.True(t, newValidator(t, nil).Validate(def).Valid())
}

func TestWorkflowValidator_SwitchDefaults(t *testing.T) {
	def := &schema.Workflow{
		Do: schema.TaskList{
			{Name: "s", Task: &schema.SwitchTask{Switch: schema.SwitchCases{
				{Name: "d1"}, {Name: "d2"},
			}}},
			{Name: "empty", Task: &schema.SwitchTask{}},
		},
	}
	result := newValidator(t, nil).Validate(def)
	assert.ElementsMatch(t, []string{"/do/0/s/switch", "/do/1/empty/switch"}, issuePaths(result.Errors))
}

func TestWorkflowValidator_DuplicateAndEmptyNames(t *testing.T) {
	def := &schema.Workflow{
		Do: schema.TaskList{
			{Name: "x", Task: &schema.WaitTask{}},
			{Name: "x", Task: &schema.WaitTask{}},
			{Name: "", Task: &schema.WaitTask{}},
		},
	}
	result := newValidator(t, nil).Validate(def)
	assert.ElementsMatch(t, []string{"/do/1", "/do/2"}, issuePaths(result.Errors))
}

func TestWorkflowValidator_CallTargets(t *testing.T) {
	def := &schema.Workflow{
		Use: &schema.Use{Functions: schema.FunctionMap{"local": &schema.SetTask{Set: map[string]any{}}}},
		Do: schema.TaskList{
			{Name: "a", Task: &schema.CallTask{Call: "local"}},
			{Name: "b", Task: &schema.CallTask{Call: "http.get"}},
			{Name: "c", Task: &schema.CallTask{Call: "unknown"}},
		},
	}
	result := newValidator(t, mockLookup{"http.get": true}).Validate(def)
	assert.Equal(t, []string{"/do/2/c/call"}, issuePaths(result.Errors))

	assert.True(t, newValidator(t, nil).Validate(def).Valid(), "nil lookup skips registry checks")
}

func TestWorkflowValidator_NestedLists(t *testing.T) {
	def := &schema.Workflow{
		Do: schema.TaskList{
			{Name: "loop", Task: &schema.ForTask{Do: schema.TaskList{
				{Name: "inner", Task: &schema.RaiseTask{}},
			}}},
			{Name: "guard", Task: &schema.TryTask{
				Try: schema.TaskList{{Name: "body", Task: &schema.RunTask{Run: schema.RunSpec{Return: "json"}}}},
				Catch: &schema.CatchSpec{Retry: &schema.RetryPolicy{
					Limit: &schema.RetryLimit{Attempt: &schema.AttemptLimit{Count: 20}},
				}},
			}},
			{Name: "par", Task: &schema.ForkTask{}},
		},
	}
	result := newValidator(t, nil).Validate(def)
	assert.ElementsMatch(t, []string{
		"/do/0/loop/for/in",
		"/do/0/loop/do/0/inner/raise/error/type",
		"/do/1/guard/try/0/body/run/shell/command",
		"/do/1/guard/try/0/body/run/return",
		"/do/2/par/fork/branches",
	}, issuePaths(result.Errors))
	assert.Equal(t, []string{"/do/1/guard/catch/retry/limit/attempt/count"}, issuePaths(result.Warnings))
}

func TestWorkflowValidator_Listen(t *testing.T) {
	one := &schema.EventFilter{With: map[string]any{"type": "a"}}
	def := &schema.Workflow{
		Do: schema.TaskList{
			{Name: "none", Task: &schema.ListenTask{}},
			{Name: "both", Task: &schema.ListenTask{Listen: schema.ListenSpec{To: schema.EventConsumption{
				One: one, All: []schema.EventFilter{*one},
			}}}},
			{Name: "until", Task: &schema.ListenTask{Listen: schema.ListenSpec{To: schema.EventConsumption{
				All: []schema.EventFilter{*one}, Until: "${ true }",
			}}}},
		},
	}
	result := newValidator(t, nil).Validate(def)
	assert.ElementsMatch(t, []string{
		"/do/0/none/listen/to",
		"/do/1/both/listen/to",
		"/do/2/until/listen/to/until",
	}, issuePaths(result.Errors))
}

func TestWorkflowValidator_Extensions(t *testing.T) {
	def := &schema.Workflow{
		Use: &schema.Use{Extensions: schema.ExtensionList{
			{Name: "audit", Extension: &schema.Extension{Extend: schema.ExtendAll, Before: schema.TaskList{
				{Name: "log", Task: &schema.SetTask{Set: map[string]any{}}},
			}}},
			{Name: "bad", Extension: &schema.Extension{Extend: "teleport"}},
		}},
		Do: schema.TaskList{{Name: "a", Task: &schema.WaitTask{}}},
	}
	result := newValidator(t, nil).Validate(def)
	assert.Equal(t, []string{"/use/extensions/1/bad/extend"}, issuePaths(result.Errors))
	assert.Equal(t, []string{"/use/extensions/1/bad"}, issuePaths(result.Warnings))
}

func TestWorkflowValidator_Schedule(t *testing.T) {
	base := func(s *schema.Schedule) *schema.Workflow {
		return &schema.Workflow{
			Do:       schema.TaskList{{Name: "a", Task: &schema.WaitTask{}}},
			Schedule: s,
		}
	}
	v := newValidator(t, nil)
	every := schema.NewDuration(0)

	assert.True(t, v.Validate(base(&schema.Schedule{Cron: "*/5 * * * *"})).Valid())
	assert.False(t, v.Validate(base(&schema.Schedule{Cron: "not a cron"})).Valid())
	assert.False(t, v.Validate(base(&schema.Schedule{Every: &every})).Valid())
	assert.False(t, v.Validate(base(&schema.Schedule{Cron: "@hourly", Every: &every})).Valid())
}

func TestWorkflowValidator_NilDefinition(t *testing.T) {
	result := newValidator(t, nil).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}
