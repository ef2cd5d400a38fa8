package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teemow/calfanout/internal/server"
)

func newEventsCmd() *cobra.Command {
	var workspaceID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect broadcast events",
	}
	cmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace id")
	_ = cmd.MarkPersistentFlagRequired("workspace")

	locateCmd := &cobra.Command{
		Use:   "locate <event-id>",
		Short: "Show which linked calendars hold an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := openOffline(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()
			return runEventsLocate(cmd.Context(), sc, cmd.OutOrStdout(), workspaceID, args[0])
		},
	}

	cmd.AddCommand(locateCmd)
	return cmd
}

func runEventsLocate(ctx context.Context, sc *server.ServerContext, out io.Writer, workspaceID, ref string) error {
	scope, err := cliScope(sc, workspaceID)
	if err != nil {
		return err
	}
	loc, err := sc.Orchestrator().Locate(ctx, scope, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Event %s (%s)\n", loc.EventUID, loc.ShortUID)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tEMAIL\tCALENDAR EVENT")
	for _, p := range loc.Placements {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Account, p.Display, p.NativeEventID)
	}
	return tw.Flush()
}
