// Package mcp exposes the workflow engine to MCP clients over stdio: tools to
// run, inspect and control workflow instances, and notifications carrying
// the engine's lifecycle events.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/functions"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

// Engine is the part of *engine.Runner the tools drive.
type Engine interface {
	Run(ctx context.Context, def *schema.Workflow, input any) (*engine.Outcome, error)
	Start(ctx context.Context, def *schema.Workflow, input any) (*schema.WorkflowInstance, error)
	Status(ctx context.Context, id string) (*engine.Status, error)
	Resume(ctx context.Context, id string) (*engine.Outcome, error)
	Suspend(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// ServerDeps holds the dependencies of a Server. Functions and Bus are optional.
type ServerDeps struct {
	Engine    Engine
	Store     store.Store
	Validator *validation.WorkflowValidator
	Functions *functions.Registry
	Bus       eventbus.Bus
	Logger    *slog.Logger
}

// Server wraps an MCP server with the flowcore tool handlers.
type Server struct {
	engine    Engine
	store     store.Store
	validator *validation.WorkflowValidator
	functions *functions.Registry
	bus       eventbus.Bus
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v := deps.Validator
	if v == nil {
		var lookup validation.FunctionLookup
		if deps.Functions != nil {
			lookup = deps.Functions
		}
		var err error
		if v, err = validation.NewWorkflowValidator(lookup); err != nil {
			return nil, err
		}
	}
	s := &Server{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: v,
		functions: deps.Functions,
		bus:       deps.Bus,
		logger:    logger,
	}

	s.mcpServer = server.NewMCPServer(
		"flowcore",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("flowcore executes declarative workflows. Use flowcore.validate to check a definition, "+
			"flowcore.run to execute one, flowcore.status to inspect an instance, flowcore.suspend, flowcore.resume "+
			"and flowcore.cancel to control it, and flowcore.query to list definitions, instances, events and functions."),
	)
	s.mcpServer.AddTools(s.tools()...)
	return s, nil
}

// Serve forwards bus events as notifications and runs the stdio transport
// until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.bus != nil {
		stop, err := s.ForwardEvents(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
