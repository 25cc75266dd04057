package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/functions"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

const defaultQueryLimit = 50

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: instanceTool("flowcore.suspend", "Suspend a running workflow instance"), Handler: s.handleSuspend},
		{Tool: instanceTool("flowcore.resume", "Resume a suspended workflow instance and wait for it"), Handler: s.handleResume},
		{Tool: instanceTool("flowcore.cancel", "Cancel a workflow instance"), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flowcore.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition as YAML or JSON")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowcore.run",
		mcp.WithDescription("Execute a workflow, given inline or by a stored namespace, name and version"),
		mcp.WithString("definition", mcp.Description("Workflow definition as YAML or JSON")),
		mcp.WithString("namespace", mcp.Description("Namespace of a stored definition")),
		mcp.WithString("name", mcp.Description("Name of a stored definition")),
		mcp.WithString("version", mcp.Description("Version of a stored definition; the latest when omitted")),
		mcp.WithObject("input", mcp.Description("Workflow input")),
		mcp.WithBoolean("async", mcp.Description("Return the pending instance instead of waiting for the outcome")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowcore.status",
		mcp.WithDescription("Get a workflow instance with its task instances"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
	)
}

func instanceTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("Workflow instance ID")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowcore.query",
		mcp.WithDescription("List definitions, instances, events or functions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "instances", "events", "functions"),
			mcp.Description("Resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("namespace, name, status, limit; events need instance_id and take since")),
	)
}

func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	_, result, perr := s.validator.Parse([]byte(source), "")
	if result == nil {
		result = &schema.ValidationResult{}
	}
	if perr != nil && result.Valid() {
		result.AddError("/", schema.AsFlowError(perr).Code, perr.Error())
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var input any
	if in := mcp.ParseStringMap(req, "input", nil); in != nil {
		input = in
	}

	if req.GetBool("async", false) {
		inst, err := s.engine.Start(ctx, def, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return marshalResult(inst)
	}
	outcome, err := s.engine.Run(ctx, def, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", err)), nil
	}
	return marshalResult(outcome)
}

// resolveDefinition parses an inline definition or loads a stored one.
func (s *Server) resolveDefinition(ctx context.Context, req mcp.CallToolRequest) (*schema.Workflow, error) {
	if source := req.GetString("definition", ""); source != "" {
		def, _, err := s.validator.Parse([]byte(source), "")
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		return def, nil
	}
	ns, name, version := req.GetString("namespace", ""), req.GetString("name", ""), req.GetString("version", "")
	if ns == "" || name == "" {
		return nil, fmt.Errorf("either definition or namespace and name are required")
	}
	if s.store == nil {
		return nil, fmt.Errorf("no definition store configured")
	}
	stored, err := s.store.GetDefinition(ctx, ns, name, version)
	if err != nil {
		return nil, fmt.Errorf("definition lookup failed: %w", err)
	}
	return stored.Parse()
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	status, err := s.engine.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

func (s *Server) handleSuspend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "suspend", s.engine.Suspend)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control(ctx, req, "cancel", s.engine.Cancel)
}

func (s *Server) control(ctx context.Context, req mcp.CallToolRequest, action string, fn func(context.Context, string) error) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if err := fn(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "instance_id": id, "action": action})
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	outcome, err := s.engine.Resume(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(outcome)
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", map[string]any{})
	limit := defaultQueryLimit
	if n, ok := filter["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	switch resource {
	case "functions":
		if s.functions == nil {
			return marshalResult([]functions.Info{})
		}
		return marshalResult(s.functions.List())
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	switch resource {
	case "definitions":
		defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
			Namespace: stringField(filter, "namespace"),
			Name:      stringField(filter, "name"),
			Limit:     limit,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(defs)
	case "instances":
		insts, err := s.store.ListWorkflowInstances(ctx, store.InstanceFilter{
			Namespace: stringField(filter, "namespace"),
			Name:      stringField(filter, "name"),
			Status:    schema.WorkflowStatus(stringField(filter, "status")),
			Limit:     limit,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(insts)
	case "events":
		id := stringField(filter, "instance_id")
		if id == "" {
			return mcp.NewToolResultError("events query requires filter.instance_id"), nil
		}
		var since int64
		if n, ok := filter["since"].(float64); ok {
			since = int64(n)
		}
		events, err := s.store.GetEvents(ctx, id, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(events)
	}
	return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
