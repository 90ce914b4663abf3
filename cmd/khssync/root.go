package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/config"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/logging"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/services"
)

// ValidFormats are the accepted --format values.
var ValidFormats = []string{"text", "json"}

// probeTimeout bounds the connectivity check one-shot commands make.
const probeTimeout = 3 * time.Second

// RootOptions holds global flags and the service built for a command.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	svc       *services.DataService
	logCloser io.Closer
}

func (o *RootOptions) output(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}

// NewRootCommand creates the khssync command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the command line in args and releases the service afterwards,
// whether or not the command succeeded.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if cerr := opts.close(); err == nil {
		err = cerr
	}
	return err
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "khssync",
		Short:   "Offline-first sync for the KHS field-service CRM",
		Long:    "khssync keeps a local copy of customers, jobs, materials and users in sync with the CRM server.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return opts.open(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $KHSSYNC_CONFIG or ./khssync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newUpdateCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

// open loads configuration, sets up logging and builds the service. Every
// command except run checks connectivity once so writes go out inline when
// the server is reachable.
func (o *RootOptions) open(cmd *cobra.Command) error {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv("KHSSYNC_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	logger, closer := logging.New(cfg.Log, cmd.ErrOrStderr())
	o.logCloser = closer

	svc, err := services.Build(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open sync service", err)
	}
	o.svc = svc

	if cmd.Name() != "run" {
		ctx, cancel := context.WithTimeout(commandContext(cmd), probeTimeout)
		defer cancel()
		if !svc.CheckConnectivity(ctx) {
			logger.Debug("server unreachable, working offline")
		}
	}
	return nil
}

func (o *RootOptions) close() error {
	var err error
	if o.svc != nil {
		err = o.svc.Close()
		o.svc = nil
	}
	if o.logCloser != nil {
		if cerr := o.logCloser.Close(); cerr != nil {
			slog.Warn("close log file", "error", cerr)
		}
		o.logCloser = nil
	}
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
