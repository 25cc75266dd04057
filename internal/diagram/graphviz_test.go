package diagram

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestRenderImage_PNG(t *testing.T) {
	m, err := Build(compositeWorkflow(t), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, PNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage_SVGWithStatus(t *testing.T) {
	m, err := Build(linearWorkflow(t), []*schema.TaskInstance{
		{Reference: "/do/0/fetch", Status: schema.TaskStatusCompleted},
		{Reference: "/do/1/total", Status: schema.TaskStatusFaulted, Error: schema.NewError(schema.ErrCodeRuntime, "boom")},
	})
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), m, SVG)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(svg, []byte("<svg")))
	assert.True(t, bytes.Contains(svg, []byte("boom")))
}
