package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func secretCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the encrypted secrets workflows read through use.secrets",
	}
	cmd.AddCommand(secretSetCmd(opts), secretListCmd(opts), secretDeleteCmd(opts))
	return cmd
}

// withVault opens the app and fails when no passphrase is configured.
func withVault(opts *rootOptions, cmd *cobra.Command, fn func(*app) error) error {
	a, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(cmd.Context()))
	if a.vault == nil {
		return fmt.Errorf("secrets are disabled: set FLOWCORE_SECRETS_PASSPHRASE")
	}
	return fn(a)
}

func secretSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			if len(args) == 2 {
				value = []byte(args[1])
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				value = []byte(strings.TrimRight(string(raw), "\r\n"))
			}
			return withVault(opts, cmd, func(a *app) error {
				if err := a.vault.Put(cmd.Context(), args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stored\n", args[0])
				return nil
			})
		},
	}
}

func secretListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(opts, cmd, func(a *app) error {
				names, err := a.vault.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func secretDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(opts, cmd, func(a *app) error {
				if err := a.vault.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted\n", args[0])
				return nil
			})
		},
	}
}
