package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/pkg/mcp"
)

func mcpCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			srv, err := mcp.NewServer(mcp.ServerDeps{
				Engine:    a.runner,
				Store:     a.store,
				Validator: a.validator,
				Functions: a.functions,
				Bus:       a.bus,
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}
			a.logger.InfoContext(cmd.Context(), "mcp server listening on stdio")
			return srv.Serve(cmd.Context())
		},
	}
}
