package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/apergos/mw-media-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLI flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagProjects   []string
	flagRetries    int
	flagWait       int
	flagVerbose    bool
	flagDryRun     bool
	flagFull       bool
	flagContinue   bool
	flagArchive    bool
)

// newRootCmd builds the single-command CLI. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mw-media-sync",
		Short:   "mirror wiki media files locally",
		Long: "Reconcile remote wiki media inventories against a local mirror:\n" +
			"fetch new and updated files in bounded batches, and archive files\n" +
			"the wikis no longer reference.",
		Version: version,
		// Argument and flag mistakes are usage errors; marking them with
		// ErrInvalid routes them to the usage exit code.
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return fmt.Errorf("%w: %w", err, config.ErrInvalid)
			}

			return nil
		},
		// Silence cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runSync,
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", err, config.ErrInvalid)
	})

	cmd.Flags().StringVarP(&flagConfigPath, "configfile", "c", "", "path to the TOML configuration file (required)")
	cmd.Flags().StringSliceVarP(&flagProjects, "projects", "p", nil, "project dbnames to sync (default: all active projects)")
	cmd.Flags().IntVarP(&flagRetries, "retries", "r", -1, "max retries per HTTP request, overriding the config file")
	cmd.Flags().IntVarP(&flagWait, "wait", "w", -1, "seconds between HTTP requests, overriding the config file")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVarP(&flagDryRun, "dryrun", "d", false, "log intended actions without downloading, moving or writing anything")
	cmd.Flags().BoolVar(&flagFull, "full", false, "force a full reconciliation for every project")
	cmd.Flags().BoolVar(&flagContinue, "continue", false, "resume the download phase of the most recent interrupted run")
	cmd.Flags().BoolVar(&flagArchive, "archive", false, "archive the media of projects that are no longer active")

	return cmd
}

// buildLogger creates the run's logger. Everything goes to stderr so that
// progress output on stdout stays clean.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
