package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowcore/pkg/schema"
)

// ToolCaller is the part of an MCP client the bridge uses.
type ToolCaller interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPServerConfig describes an MCP server started over stdio.
type MCPServerConfig struct {
	Name        string        `json:"name" koanf:"name" validate:"required"`
	Command     string        `json:"command" koanf:"command" validate:"required"`
	Args        []string      `json:"args,omitempty" koanf:"args"`
	Env         []string      `json:"env,omitempty" koanf:"env"`
	InitTimeout time.Duration `json:"init_timeout,omitempty" koanf:"init_timeout"`
}

const defaultMCPInitTimeout = 10 * time.Second

// MCPBridge exposes the tools of one MCP server as functions.
type MCPBridge struct {
	name   string
	caller ToolCaller
	closer func() error
	logger *slog.Logger
}

// ConnectMCP starts the server process, performs the MCP handshake and
// returns a bridge over it.
func ConnectMCP(ctx context.Context, cfg MCPServerConfig, logger *slog.Logger) (*MCPBridge, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "mcp server requires a name and a command")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultMCPInitTimeout
	}

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCommunication, "mcp %s: start: %s", cfg.Name, err.Error()).WithCause(err)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "flowcore", Version: "1.0.0"}
	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeCommunication, "mcp %s: initialize: %s", cfg.Name, err.Error()).WithCause(err)
	}

	b := NewMCPBridge(cfg.Name, c, logger)
	b.closer = c.Close
	return b, nil
}

// NewMCPBridge wraps an already initialized client.
func NewMCPBridge(name string, caller ToolCaller, logger *slog.Logger) *MCPBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPBridge{name: name, caller: caller, logger: logger}
}

// Name is the registry prefix of the bridged tools.
func (b *MCPBridge) Name() string { return b.name }

// Functions lists the server's tools, one function per tool.
func (b *MCPBridge) Functions(ctx context.Context) ([]Function, error) {
	res, err := b.caller.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCommunication, "mcp %s: list tools: %s", b.name, err.Error()).WithCause(err)
	}
	fns := make([]Function, 0, len(res.Tools))
	for _, tool := range res.Tools {
		fns = append(fns, &mcpTool{bridge: b, tool: tool})
	}
	b.logger.Info("mcp tools discovered", slog.String("server", b.name), slog.Int("count", len(fns)))
	return fns, nil
}

// Register discovers the tools and adds them to r as "<server>.<tool>".
func (b *MCPBridge) Register(ctx context.Context, r *Registry) (int, error) {
	fns, err := b.Functions(ctx)
	if err != nil {
		return 0, err
	}
	return r.RegisterPrefixed(b.name, fns)
}

// Close stops the server process when the bridge started it.
func (b *MCPBridge) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

type mcpTool struct {
	bridge *MCPBridge
	tool   mcp.Tool
}

func (t *mcpTool) Name() string { return t.tool.Name }

func (t *mcpTool) Describe() Descriptor {
	d := Descriptor{Description: t.tool.Description, Remote: true}
	if len(t.tool.RawInputSchema) > 0 {
		d.ArgsSchema = t.tool.RawInputSchema
	} else if t.tool.InputSchema.Type != "" {
		if raw, err := json.Marshal(t.tool.InputSchema); err == nil {
			d.ArgsSchema = raw
		}
	}
	return d
}

func (t *mcpTool) Call(ctx context.Context, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	res, err := t.bridge.caller.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.AsFlowError(context.Cause(ctx))
		}
		return nil, schema.NewErrorf(schema.ErrCodeCommunication, "mcp %s.%s: %s", t.bridge.name, t.tool.Name, err.Error()).WithCause(err)
	}
	out := toolOutput(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeRuntime, "mcp %s.%s: %s", t.bridge.name, t.tool.Name, fmt.Sprint(out)).
			WithDetails(map[string]any{"content": out})
	}
	return out, nil
}

// toolOutput prefers structured content. Otherwise a single text block is
// returned as JSON when it parses, and several blocks become an array.
func toolOutput(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	var texts []any
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			texts = append(texts, parseText(tc.Text))
		case *mcp.TextContent:
			texts = append(texts, parseText(tc.Text))
		}
	}
	switch len(texts) {
	case 0:
		return nil
	case 1:
		return texts[0]
	}
	return texts
}

func parseText(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return s
}
