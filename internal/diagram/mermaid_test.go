package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestRenderMermaid_Linear(t *testing.T) {
	m, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)
	out := RenderMermaid(m)

	assert.True(t, strings.HasPrefix(out, "flowchart TD\n"))
	assert.Contains(t, out, "%% test.orders:1.0.0")
	assert.Contains(t, out, `n0(("Start"))`)
	assert.Contains(t, out, `n1["fetch<br/>(call http)"]`)
	assert.Contains(t, out, "n0 --> n1")
	assert.Contains(t, out, "n1 --> n2")
	assert.NotContains(t, out, "class n", "no overlay without instances")
}

func TestRenderMermaid_SwitchLabelsAndSubgraphs(t *testing.T) {
	m, err := Build(switchWorkflow(t), nil)
	require.NoError(t, err)
	out := RenderMermaid(m)
	assert.Contains(t, out, `{"route<br/>(switch)"}`)
	assert.Contains(t, out, "-->|big|")

	m, err = Build(compositeWorkflow(t), nil)
	require.NoError(t, err)
	out = RenderMermaid(m)
	assert.Contains(t, out, `subgraph sg1 ["fork"]`)
	assert.Contains(t, out, `subgraph sg3 ["catch"]`)
	assert.Equal(t, strings.Count(out, "subgraph "), strings.Count(out, "\n    end\n"))
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	m, err := Build(linearWorkflow(t), []*schema.TaskInstance{
		{Reference: "/do/0/fetch", Status: schema.TaskStatusCompleted},
	})
	require.NoError(t, err)
	out := RenderMermaid(m)
	assert.Contains(t, out, "classDef faulted fill:#8b1a1a")
	assert.Contains(t, out, "class n1 completed")
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "say #quot;hi#quot; #124; bye", escape(`say "hi" | bye`))
}
