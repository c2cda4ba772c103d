package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/radif/fileservice/internal/app"
	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/db"
	"github.com/radif/fileservice/internal/files"
	"github.com/radif/fileservice/internal/logging"
	"github.com/radif/fileservice/internal/retention"
)

// NewRootCommand returns the cleanup command. loadConfig is only called once
// the flags have been validated.
func NewRootCommand(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		schedule string
		runOnce  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete files idle past the retention window.",
		Long: `cleanup lists every configured storage backend and removes the files whose
last access or last modification is older than the retention window, together
with their metadata. By default it keeps running and sweeps on a cron schedule.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := retention.ValidateSchedule(schedule); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, logFile, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Prefix: "cleanup"})
			if err != nil {
				return err
			}
			defer logFile.Close()

			pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			backends, err := app.Backends(ctx, cfg, cfg.RetentionBackends, logger)
			if err != nil {
				return err
			}

			sweeper := retention.NewSweeper(files.NewRepository(pool), backends, retention.Options{
				MaxIdleSinceAccess:       cfg.MaxIdleSinceAccess,
				MaxIdleSinceModification: cfg.MaxIdleSinceModification,
			}, logger)

			if runOnce {
				_, err := sweeper.Run(ctx)
				return err
			}

			scheduler, err := retention.NewScheduler(sweeper, schedule, logger)
			if err != nil {
				return err
			}
			return scheduler.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", retention.DefaultSchedule, "cron expression (minute hour day month weekday) of the sweeps")
	cmd.Flags().BoolVar(&runOnce, "run-once", false, "run a single sweep and exit")

	return cmd
}
