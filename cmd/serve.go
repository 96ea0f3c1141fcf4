package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/a2bit/jobtracker/internal/app"
	"github.com/a2bit/jobtracker/internal/config"
	"github.com/a2bit/jobtracker/internal/dispatcher"
)

func newServeCmd() *cobra.Command {
	var opts app.ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally with the sweep, scheduler and workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return ignoreCanceled(appInstance.Serve(cmd.Context(), resolveServeOptions(cmd, opts, appInstance.Config())))
		},
	}
	cmd.Flags().BoolVar(&opts.Sweep, "sweep", true, "run the stale run sweep in this process (default from sweep.enabled)")
	cmd.Flags().BoolVar(&opts.Schedule, "schedule", true, "run the configured cron entries in this process")
	cmd.Flags().BoolVar(&opts.Workers, "workers", false, "run workers for every enabled source in this process")
	return cmd
}

// resolveServeOptions applies config defaults to flags the user left unset.
func resolveServeOptions(cmd *cobra.Command, opts app.ServeOptions, cfg config.Config) app.ServeOptions {
	if !cmd.Flags().Changed("sweep") {
		opts.Sweep = cfg.Sweep.Enabled
	}
	return opts
}

func newWorkerCmd() *cobra.Command {
	var (
		source string
		opts   app.WorkerOptions
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute runs for one source until it is disabled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runners, err := appInstance.Workers(cmd.Context(), source, opts)
			if err != nil {
				return err
			}
			return ignoreCanceled(dispatcher.New(runners, appInstance.Logger()).Run(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source name from the registry")
	cmd.Flags().IntVar(&opts.Replicas, "replicas", 0, "number of worker loops (default from config)")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", 0, "idle sleep between empty claims (default from config)")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail runs that have been running longer than the stale timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sweeper := appInstance.Sweeper()
			if !once {
				return ignoreCanceled(sweeper.Run(cmd.Context()))
			}
			reclaimed, err := sweeper.Once(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd, map[string]any{"reclaimed": reclaimed})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue scheduled runs from the configured cron entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			s, err := appInstance.Scheduler()
			if err != nil {
				return err
			}
			return ignoreCanceled(s.Run(cmd.Context()))
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := appInstance.Migrate(ctx); err != nil {
				return err
			}
			appInstance.Logger().Info("schema applied")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "migration timeout")
	return cmd
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
