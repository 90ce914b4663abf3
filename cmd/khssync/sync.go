package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.svc.GetSyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(cmd).print(st, func(w io.Writer) {
				last := "never"
				if st.LastSyncTime != nil {
					last = st.LastSyncTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "online:      %t\n", st.Online)
				fmt.Fprintf(w, "state:       %s\n", st.State)
				fmt.Fprintf(w, "pending:     %d\n", st.Pending)
				fmt.Fprintf(w, "failed:      %d\n", st.Failed)
				fmt.Fprintf(w, "last sync:   %s\n", last)
				if st.LastError != "" {
					fmt.Fprintf(w, "last error:  %s\n", st.LastError)
				}
				for _, e := range st.FailedEntries {
					printEntry(w, e)
				}
			})
		},
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes and pull server changes now",
		Long: `Run one sync cycle immediately.

With --full the pull watermark is forgotten so every collection is pulled
again, and local changes that lost their queue entries are pushed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.svc.ForceSync(cmd.Context(), full)
			if err != nil {
				return WrapExitError(ExitFailure, "sync", err)
			}
			return opts.output(cmd).print(res, func(w io.Writer) {
				fmt.Fprintf(w, "pushed %d, pulled %d, conflicts %d, failed %d, purged %d in %s\n",
					res.Pushed, res.Pulled, res.Conflicts, res.Failed, res.Purged, res.Duration.Round(time.Millisecond))
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "pull every collection from scratch")
	return cmd
}

func newConflictsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recently resolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := opts.svc.Conflicts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.output(cmd).print(logs, func(w io.Writer) {
				if len(logs) == 0 {
					fmt.Fprintln(w, "no conflicts")
				}
				for _, c := range logs {
					fmt.Fprintf(w, "%s  %s %s  policy=%s winner=%s\n",
						c.DetectedAtTime().UTC().Format(time.RFC3339), c.EntityType, c.EntityID, c.Policy, c.Winner)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conflicts to show")
	return cmd
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync service in the foreground",
		Long: `Run the sync service until interrupted.

The service probes the server, syncs on an interval and whenever
connectivity returns or a change is queued. When events.ws_addr is set,
change notifications are broadcast to websocket clients on /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Sync service started. Press Ctrl-C to stop.")
			if addr := opts.svc.EventsAddr(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Events on ws://%s/ws\n", addr)
			}
			if err := opts.svc.Run(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "sync service", err)
			}
			slog.Info("sync service stopped gracefully")
			return nil
		},
	}
}

func printEntry(w io.Writer, e *models.QueueEntry) {
	state := string(e.Status)
	if e.Terminal {
		state += " (terminal)"
	}
	fmt.Fprintf(w, "%s  %-6s %s %s  %s  attempts=%d", e.ID, e.Operation, e.EntityType, e.EntityID, state, e.Attempts)
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "  error=%q", e.ErrorMessage)
	}
	fmt.Fprintln(w)
}
