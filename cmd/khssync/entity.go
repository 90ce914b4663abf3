package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
)

func parseType(s string) (models.EntityType, error) {
	t, err := models.ParseEntityType(s)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "entity type", err)
	}
	return t, nil
}

func printRecord(w io.Writer, rec *models.Record) {
	state := "synced"
	if !rec.Synced {
		state = "pending"
	}
	if rec.Deleted {
		state += ", deleted"
	}
	fmt.Fprintf(w, "%s %s  v%d  %s\n", rec.Type, rec.ID, rec.Version, state)
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(args[0])
			if err != nil {
				return err
			}
			rec, err := opts.svc.Read(cmd.Context(), t, args[1])
			if err != nil {
				return err
			}
			return opts.output(cmd).print(rec, func(w io.Writer) {
				printRecord(w, rec)
				data, _ := json.MarshalIndent(rec.Entity, "", "  ")
				fmt.Fprintln(w, string(data))
			})
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	var (
		where   []string
		limit   int
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List entities of a type",
		Example: `  khssync list jobs --where status=scheduled
  khssync list customer --limit 10 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseType(args[0])
			if err != nil {
				return err
			}
			f := store.Filter{Limit: limit, IncludeDeleted: deleted}
			for _, kv := range where {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return WrapExitError(ExitCommandError, fmt.Sprintf("invalid --where %q, want field=value", kv), nil)
				}
				if f.Where == nil {
					f.Where = make(map[string]string)
				}
				f.Where[k] = v
			}
			recs, err := opts.svc.List(cmd.Context(), t, f)
			if err != nil {
				return err
			}
			return opts.output(cmd).print(recs, func(w io.Writer) {
				for _, rec := range recs {
					printRecord(w, rec)
				}
			})
		},
	}
	cmd.Flags().StringArrayVarP(&where, "where", "w", nil, "field=value filter, repeatable")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of results")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include soft-deleted records")
	return cmd
}

func newCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "create <type> <json>",
		Short:   "Create an entity",
		Example: `  khssync create customer '{"name":"Ann Lee","city":"Austin"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, args[0], models.OperationCreate, "", args[1])
		},
	}
}

func newUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "update <type> <id> <json-patch>",
		Short:   "Change fields of an entity",
		Example: `  khssync update job job_12 '{"status":"completed"}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, args[0], models.OperationUpdate, args[1], args[2])
		},
	}
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, args[0], models.OperationDelete, args[1], "")
		},
	}
}

func mutate(cmd *cobra.Command, opts *RootOptions, typ string, op models.Operation, id, payload string) error {
	t, err := parseType(typ)
	if err != nil {
		return err
	}
	rec, err := opts.svc.Mutate(cmd.Context(), t, op, id, json.RawMessage(payload))
	if err != nil {
		return err
	}
	if rec == nil {
		return opts.output(cmd).print(map[string]string{"deleted": id}, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s deleted\n", t, id)
		})
	}
	return opts.output(cmd).print(rec, func(w io.Writer) {
		printRecord(w, rec)
	})
}
