package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueueRetryAllCommand(opts))
	cmd.AddCommand(newQueueDiscardCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in drain order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := opts.svc.QueueEntries(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(cmd).print(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "queue is empty")
				}
				for _, e := range entries {
					printEntry(w, e)
				}
			})
		},
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Reset a failed mutation so it is sent again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := opts.svc.RetryFailed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.output(cmd).print(entry, func(w io.Writer) {
				fmt.Fprintf(w, "entry %s reset for retry\n", entry.ID)
			})
		},
	}
}

func newQueueRetryAllCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-all",
		Short: "Reset every failed mutation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := opts.svc.RetryAllFailed(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(cmd).print(map[string]int{"reset": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%d entries reset for retry\n", n)
			})
		},
	}
}

func newQueueDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a failed mutation and revert the local copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := opts.svc.DiscardFailed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.output(cmd).print(entry, func(w io.Writer) {
				fmt.Fprintf(w, "entry %s discarded\n", entry.ID)
			})
		},
	}
}
