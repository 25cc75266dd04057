package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func parse(t *testing.T, src string) *schema.Workflow {
	t.Helper()
	doc, err := validation.Decode([]byte(src), validation.FormatYAML)
	require.NoError(t, err)
	def, err := validation.Build(doc)
	require.NoError(t, err)
	return def
}

const header = `document:
  dsl: 1.0.0
  namespace: test
  name: orders
  version: 1.0.0
`

func linearWorkflow(t *testing.T) *schema.Workflow {
	return parse(t, header+`do:
  - fetch:
      call: http
      with:
        method: get
        endpoint: https://example.com
  - total:
      set:
        n: 1
`)
}

func switchWorkflow(t *testing.T) *schema.Workflow {
	return parse(t, header+`do:
  - route:
      switch:
        - big:
            when: ${ .n > 10 }
            then: bulk
        - other:
            then: exit
  - small:
      set:
        size: small
      then: end
  - bulk:
      set:
        size: bulk
`)
}

func compositeWorkflow(t *testing.T) *schema.Workflow {
	return parse(t, header+`do:
  - parallel:
      fork:
        branches:
          - a:
              set:
                a: 1
          - b:
              set:
                b: 2
  - guarded:
      try:
        - risky:
            raise:
              error:
                type: https://serverlessworkflow.io/spec/1.0.0/errors/runtime
                status: 500
      catch:
        do:
          - recover:
              set:
                ok: true
  - each:
      for:
        each: item
        in: ${ .items }
      do:
        - visit:
            set:
              seen: ${ $item }
`)
}

func edgeSet(edges []Edge) map[string]string {
	out := map[string]string{}
	for _, e := range edges {
		out[e.From+" -> "+e.To] = e.Label
	}
	return out
}

func TestBuild_Linear(t *testing.T) {
	m, err := Build(linearWorkflow(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "test.orders:1.0.0", m.Title)
	require.Len(t, m.Nodes, 4)
	assert.Equal(t, StartID, m.Nodes[0].ID)
	assert.Equal(t, "/do/0/fetch", m.Nodes[1].ID)
	assert.Equal(t, "fetch\n(call http)", m.Nodes[1].Label)
	assert.Equal(t, Kind(schema.KindSet), m.Nodes[2].Kind)
	assert.Equal(t, EndID, m.Nodes[3].ID)

	assert.Equal(t, map[string]string{
		StartID + " -> /do/0/fetch":  "",
		"/do/0/fetch -> /do/1/total": "",
		"/do/1/total -> " + EndID:    "",
	}, edgeSet(m.Edges))
}

func TestBuild_SwitchAndFlowDirectives(t *testing.T) {
	m, err := Build(switchWorkflow(t), nil)
	require.NoError(t, err)

	edges := edgeSet(m.Edges)
	assert.Equal(t, "big", edges["/do/0/route -> /do/2/bulk"])
	assert.Equal(t, "other (default)", edges["/do/0/route -> "+EndID])
	assert.Contains(t, edges, "/do/1/small -> "+EndID, "then: end leaves the top-level list")
	assert.NotContains(t, edges, "/do/1/small -> /do/2/bulk")
	assert.Contains(t, edges, "/do/2/bulk -> "+EndID)
}

func TestBuild_Composites(t *testing.T) {
	m, err := Build(compositeWorkflow(t), nil)
	require.NoError(t, err)

	fork := m.Nodes[1]
	require.Len(t, fork.Children, 1)
	assert.Equal(t, "fork", fork.Children[0].Label)
	require.Len(t, fork.Children[0].Nodes, 2)
	assert.Equal(t, "/do/0/parallel/fork/branches/1/b", fork.Children[0].Nodes[1].ID)
	assert.Empty(t, fork.Children[0].Edges, "branches run concurrently")

	try := m.Nodes[2]
	require.Len(t, try.Children, 2)
	assert.Equal(t, "/do/1/guarded/try/0/risky", try.Children[0].Nodes[0].ID)
	assert.Equal(t, "catch", try.Children[1].Label)
	assert.Equal(t, "/do/1/guarded/catch/do/0/recover", try.Children[1].Nodes[0].ID)

	loop := m.Nodes[3]
	require.Len(t, loop.Children, 1)
	assert.Equal(t, "for item in ${ .items }", loop.Children[0].Label)
	assert.Equal(t, "/do/2/each/for/0/do/0/visit", loop.Children[0].Nodes[0].ID)
}

func TestBuild_StatusOverlay(t *testing.T) {
	tasks := []*schema.TaskInstance{
		{Reference: "/do/0/fetch", Status: schema.TaskStatusCompleted},
		{Reference: "/do/1/total", Status: schema.TaskStatusFaulted,
			Error: schema.NewError(schema.ErrCodeRuntime, "boom")},
	}
	m, err := Build(linearWorkflow(t), tasks)
	require.NoError(t, err)

	assert.Nil(t, m.Nodes[0].Status)
	require.NotNil(t, m.Nodes[1].Status)
	assert.Equal(t, schema.TaskStatusCompleted, m.Nodes[1].Status.Status)
	require.NotNil(t, m.Nodes[2].Status)
	assert.Contains(t, m.Nodes[2].Status.Error, "boom")
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	_, err := Build(&schema.Workflow{}, nil)
	require.Error(t, err)
	_, err = Build(nil, nil)
	require.Error(t, err)
}
