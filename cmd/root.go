// Package cmd defines and implements the CLI commands for the jobtracker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/app"
	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/config"
	"github.com/a2bit/jobtracker/internal/dispatcher"
	"github.com/a2bit/jobtracker/internal/scheduler"
	"github.com/a2bit/jobtracker/internal/sweep"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Close(ctx context.Context) error
	Config() config.Config
	Logger() *zap.Logger
	Runs() collector.RunStore
	Registry() collector.SourceRegistry
	Workers(ctx context.Context, source string, opts app.WorkerOptions) ([]dispatcher.Runner, error)
	Sweeper() *sweep.Sweeper
	Scheduler() (*scheduler.Scheduler, error)
	Serve(ctx context.Context, opts app.ServeOptions) error
	Migrate(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "jobtracker",
		Short: "Collector run queue for the job tracking portal.",
		Long: `jobtracker enqueues, claims and executes collector runs. Each run fetches
listings from one configured source, merges them into the catalog and records
the outcome. Workers coordinate only through the shared run store.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					appInstance.Logger().Warn("shutdown finished with errors", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the JOBTRACKER_ prefix")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSweepCmd(),
		newScheduleCmd(),
		newEnqueueCmd(),
		newMigrateCmd(),
		newSourceCmd(),
		newRunsCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
