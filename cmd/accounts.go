package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teemow/calfanout/internal/server"
	"github.com/teemow/calfanout/internal/workspace"
)

// cliActor is recorded as the actor of operations run from the CLI.
const cliActor = "cli"

func newAccountsCmd() *cobra.Command {
	var workspaceID string

	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect and manage linked calendar accounts",
	}
	cmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace id")
	_ = cmd.MarkPersistentFlagRequired("workspace")

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the accounts linked to a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()
			return runAccountsList(cmd.Context(), sc, cmd.OutOrStdout(), workspaceID, asJSON)
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	disconnectCmd := &cobra.Command{
		Use:   "disconnect <account-id|email>",
		Short: "Disconnect an account and forget the events created in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()
			return runAccountsDisconnect(cmd.Context(), sc, cmd.OutOrStdout(), workspaceID, args[0])
		},
	}

	cmd.AddCommand(listCmd, disconnectCmd)
	return cmd
}

func cliScope(sc *server.ServerContext, workspaceID string) (workspace.Scope, error) {
	return sc.Policy().Authorize(workspaceID, workspace.KindPrivate, cliActor)
}

func runAccountsList(ctx context.Context, sc *server.ServerContext, out io.Writer, workspaceID string, asJSON bool) error {
	scope, err := cliScope(sc, workspaceID)
	if err != nil {
		return err
	}
	accounts, err := sc.Link().Accounts(ctx, scope)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		_, err := fmt.Fprintf(out, "No accounts linked to workspace %s\n", workspaceID)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tEMAIL\tLINKED BY\tSTATUS")
	for _, a := range accounts {
		status := "active"
		if a.NeedsRelink {
			status = "needs relink"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.AccountID, a.Email, a.LinkedBy, status)
	}
	return tw.Flush()
}

func runAccountsDisconnect(ctx context.Context, sc *server.ServerContext, out io.Writer, workspaceID, ref string) error {
	scope, err := cliScope(sc, workspaceID)
	if err != nil {
		return err
	}
	res, err := sc.Link().Disconnect(ctx, scope, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Disconnected %s", res.AccountID)
	if res.Email != "" {
		fmt.Fprintf(out, " (%s)", res.Email)
	}
	fmt.Fprintf(out, ", %d event mapping(s) removed\n", res.MappingsRemoved)
	if !res.ProviderRevoked {
		fmt.Fprintln(out, "Warning: the grant could not be revoked at Google; remove it at https://myaccount.google.com/permissions")
	}
	return nil
}
