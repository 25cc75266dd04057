package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

func runCmd(opts *rootOptions) *cobra.Command {
	var input string
	var createOnly bool
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(input)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			def, result, err := a.load(args[0])
			if err != nil {
				printIssues(cmd.ErrOrStderr(), result)
				return err
			}
			if createOnly {
				inst, err := a.runner.Create(cmd.Context(), def, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), inst)
			}
			outcome, err := a.runner.Run(cmd.Context(), def, in)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			return outcomeError(outcome)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "workflow input as JSON, or @file")
	cmd.Flags().BoolVar(&createOnly, "create-only", false, "store a pending instance without running it")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition>...",
		Short: "Check workflow definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := validation.NewWorkflowValidator(nil)
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				_, result, err := v.Load(path)
				switch {
				case result != nil && !result.Valid():
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n", path)
				case err != nil:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
				}
				printIssues(cmd.OutOrStdout(), result)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var tasks bool
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			if tasks {
				status, err := a.runner.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			}
			outcome, err := a.runner.Outcome(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}
	cmd.Flags().BoolVar(&tasks, "tasks", false, "include task instances")
	return cmd
}

func resumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Continue a suspended or interrupted workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			outcome, err := a.runner.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
				return err
			}
			return outcomeError(outcome)
		},
	}
}

func cancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a pending or suspended workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			if err := a.runner.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", args[0])
			return nil
		},
	}
}

// parseInput decodes a JSON literal, or the JSON file named after "@".
func parseInput(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return v, nil
}

// outcomeError turns a faulted or cancelled run into a command error so the
// process exits non-zero.
func outcomeError(o *engine.Outcome) error {
	if o == nil || o.Instance == nil {
		return nil
	}
	switch o.Instance.Status {
	case schema.WorkflowStatusFaulted:
		if o.Instance.Error != nil {
			return o.Instance.Error
		}
		return fmt.Errorf("workflow %s faulted", o.Instance.ID)
	case schema.WorkflowStatusCancelled:
		return fmt.Errorf("workflow %s cancelled", o.Instance.ID)
	}
	return nil
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	if result == nil {
		return
	}
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "  error   %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "  warning %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
