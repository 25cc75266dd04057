package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/diagram"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

type diagramOptions struct {
	format   string
	output   string
	instance string
}

func diagramCmd(opts *rootOptions) *cobra.Command {
	d := &diagramOptions{}
	cmd := &cobra.Command{
		Use:   "diagram <definition>",
		Short: "Draw a workflow's task graph as Mermaid, PNG or SVG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := validation.NewWorkflowValidator(nil)
			if err != nil {
				return err
			}
			def, result, err := v.Load(args[0])
			if err != nil {
				printIssues(cmd.ErrOrStderr(), result)
				return err
			}

			var tasks []*schema.TaskInstance
			if d.instance != "" {
				if tasks, err = instanceTasks(cmd, opts, d.instance); err != nil {
					return err
				}
			}
			model, err := diagram.Build(def, tasks)
			if err != nil {
				return err
			}

			var out []byte
			switch d.format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "png":
				out, err = diagram.RenderImage(cmd.Context(), model, diagram.PNG)
			case "svg":
				out, err = diagram.RenderImage(cmd.Context(), model, diagram.SVG)
			default:
				return fmt.Errorf("unknown format %q: use mermaid, png or svg", d.format)
			}
			if err != nil {
				return err
			}
			if d.output == "" || d.output == "-" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return os.WriteFile(d.output, out, 0o644)
		},
	}
	cmd.Flags().StringVarP(&d.format, "format", "f", "mermaid", "mermaid, png or svg")
	cmd.Flags().StringVarP(&d.output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&d.instance, "instance", "", "overlay the task statuses of a workflow instance")
	return cmd
}

func instanceTasks(cmd *cobra.Command, opts *rootOptions, id string) ([]*schema.TaskInstance, error) {
	a, err := opts.open(cmd)
	if err != nil {
		return nil, err
	}
	defer a.close(context.WithoutCancel(cmd.Context()))
	status, err := a.runner.Status(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	return status.Tasks, nil
}
