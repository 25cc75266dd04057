package functions

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

type fakeToolCaller struct {
	tools   []mcp.Tool
	results map[string]*mcp.CallToolResult
	listErr error
	callErr error
	calls   []mcp.CallToolRequest
}

func (f *fakeToolCaller) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeToolCaller) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.results[req.Params.Name], nil
}

func textResult(texts ...string) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	for _, s := range texts {
		res.Content = append(res.Content, mcp.TextContent{Type: "text", Text: s})
	}
	return res
}

func TestMCPBridge_RegisterAndCall(t *testing.T) {
	caller := &fakeToolCaller{
		tools: []mcp.Tool{
			mcp.NewTool("add", mcp.WithDescription("adds"), mcp.WithNumber("a", mcp.Required())),
		},
		results: map[string]*mcp.CallToolResult{"add": textResult(`{"sum": 3}`)},
	}
	r := NewRegistry(nil)
	n, err := NewMCPBridge("math", caller, nil).Register(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "math.add", list[0].Name)
	assert.True(t, list[0].Remote)

	out, err := r.Call(context.Background(), "math.add", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": float64(3)}, out)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "add", caller.calls[0].Params.Name)
}

func TestMCPBridge_ToolSchemaEnforced(t *testing.T) {
	caller := &fakeToolCaller{
		tools: []mcp.Tool{mcp.NewTool("add", mcp.WithNumber("a", mcp.Required()))},
	}
	r := NewRegistry(nil)
	_, err := NewMCPBridge("math", caller, nil).Register(context.Background(), r)
	require.NoError(t, err)

	_, err = r.Call(context.Background(), "math.add", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.AsFlowError(err).Code)
	assert.Empty(t, caller.calls)
}

func TestMCPBridge_ToolError(t *testing.T) {
	res := textResult("disk full")
	res.IsError = true
	caller := &fakeToolCaller{
		tools:   []mcp.Tool{mcp.NewTool("write")},
		results: map[string]*mcp.CallToolResult{"write": res},
	}
	fns, err := NewMCPBridge("fs", caller, nil).Functions(context.Background())
	require.NoError(t, err)
	require.Len(t, fns, 1)

	_, err = fns[0].Call(context.Background(), map[string]any{})
	require.Error(t, err)
	fe := schema.AsFlowError(err)
	assert.Equal(t, schema.ErrCodeRuntime, fe.Code)
	assert.Contains(t, fe.Message, "disk full")
}

func TestMCPBridge_TransportError(t *testing.T) {
	caller := &fakeToolCaller{tools: []mcp.Tool{mcp.NewTool("ping")}, callErr: errors.New("broken pipe")}
	fns, err := NewMCPBridge("srv", caller, nil).Functions(context.Background())
	require.NoError(t, err)

	_, err = fns[0].Call(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCommunication, schema.AsFlowError(err).Code)
}

func TestMCPBridge_ListError(t *testing.T) {
	_, err := NewMCPBridge("srv", &fakeToolCaller{listErr: errors.New("eof")}, nil).Functions(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCommunication, schema.AsFlowError(err).Code)
}

func TestToolOutput(t *testing.T) {
	assert.Nil(t, toolOutput(&mcp.CallToolResult{}))
	assert.Equal(t, "plain text", toolOutput(textResult("plain text")))
	assert.Equal(t, []any{"a", float64(2)}, toolOutput(textResult("a", "2")))
	assert.Equal(t, map[string]any{"k": "v"}, toolOutput(&mcp.CallToolResult{StructuredContent: map[string]any{"k": "v"}}))
}

func TestConnectMCP_Validation(t *testing.T) {
	_, err := ConnectMCP(context.Background(), MCPServerConfig{Name: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.AsFlowError(err).Code)
}

func TestConnectMCP_MissingBinary(t *testing.T) {
	_, err := ConnectMCP(context.Background(), MCPServerConfig{
		Name:    "ghost",
		Command: "/nonexistent/flowcore-mcp-server",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCommunication, schema.AsFlowError(err).Code)
}

func TestMCPBridge_CloseWithoutProcess(t *testing.T) {
	assert.NoError(t, NewMCPBridge("srv", &fakeToolCaller{}, nil).Close())
}
