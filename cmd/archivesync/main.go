// Command archivesync runs the continuous chat archiver described by
// spec.md §6: one or more accounts stay connected to the gateway, a single
// decision loop keeps the permission cache and every account's in-flight
// operations in sync, and every dispatch and backfill page lands in the
// database through the single-writer goroutine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"archivesync/internal/archive/orchestrator"
	"archivesync/internal/config"
	"archivesync/internal/dbwriter"
	"archivesync/internal/logging"
	"archivesync/internal/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// usageError marks a command-line or config problem, exit code 1 per
// spec.md §6. Anything else returned from runArchive is treated as an
// unrecoverable startup failure.
type usageError struct{ error }

func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 1
	}
	return 2
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "archivesync",
		Short:         "Continuous chat archiver",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		tokens      []string
		logLevel    string
		stats       string
		guilds      []string
		noSync      bool
		noReactions bool
	)

	cmd := &cobra.Command{
		Use:   "run <database-url>",
		Short: "Connect every configured account and archive continuously",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{
				DatabaseURL: args[0],
				Tokens:      tokens,
				LogLevel:    logLevel,
				Stats:       config.StatsMode(stats),
				NoSync:      noSync,
				NoReactions: noReactions,
			}
			filter, err := parseGuildFilter(guilds)
			if err != nil {
				return usageError{err}
			}
			cfg.GuildFilter = filter
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}
			return runArchive(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringArrayVar(&tokens, "token", nil, "account credential, including its kind prefix; repeatable")
	cmd.Flags().StringVar(&logLevel, "log", logging.LevelInfo, "log level: error|warning|info|verbose|debug")
	cmd.Flags().StringVar(&stats, "stats", string(config.StatsAuto), "periodic stats line: yes|no|auto")
	cmd.Flags().StringArrayVar(&guilds, "guild", nil, "restrict archiving to this server id; repeatable")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "disable backfill and thread enumeration, realtime only")
	cmd.Flags().BoolVar(&noReactions, "no-reactions", false, "disable reaction archival")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	return cmd
}

func parseGuildFilter(raw []string) (map[model.ServerID]struct{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filter := make(map[model.ServerID]struct{}, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("--guild %q: %w", s, err)
		}
		filter[model.ServerID(id)] = struct{}{}
	}
	return filter, nil
}

// runArchive opens the database, builds the orchestrator, and blocks until
// ctx is cancelled by SIGINT/SIGTERM or the orchestrator aborts on its own
// (spec.md §6: "runs until interrupted").
func runArchive(parent context.Context, cfg config.Config) error {
	logging.SetGlobal(logging.New(cfg.LogLevel))
	defer logging.Log.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := dbwriter.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	o := orchestrator.New(orchestrator.Options{
		Credentials: cfg.Tokens,
		DB:          db,
		GuildFilter: cfg.GuildFilter,
		NoSync:      cfg.NoSync,
		NoReactions: cfg.NoReactions,
	})

	if cfg.Stats != config.StatsNo {
		go runStatsTicker(ctx, o, cfg.Stats)
	}

	logging.Info("archivesync: starting", zap.Int("accounts", len(cfg.Tokens)))
	o.Run(ctx)
	logging.Info("archivesync: stopped")
	return nil
}

// runStatsTicker emits a periodic counter line. The terminal progress
// renderer itself is out of scope (spec.md §1); this is the lightweight
// substitute --stats gates. "auto" behaves like "yes" here since whether
// stdout is a terminal doesn't change what gets logged, only how a fuller
// renderer would draw it.
func runStatsTicker(ctx context.Context, o *orchestrator.Orchestrator, mode config.StatsMode) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logging.Info("archivesync: stats", zap.Int("in_flight_ops", o.InFlightOpCount()))
		}
	}
}
