package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/metrics"
)

func newEnqueueCmd() *cobra.Command {
	var source, trigger string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Request a run for a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			kind, err := collector.ParseTriggerKind(trigger)
			if err != nil {
				return err
			}
			src, err := appInstance.Registry().Get(cmd.Context(), source)
			if err != nil {
				return err
			}
			if !src.Enabled {
				return fmt.Errorf("source %q: %w", source, collector.ErrSourceDisabled)
			}
			run, err := appInstance.Runs().Enqueue(cmd.Context(), source, kind)
			if err != nil {
				return err
			}
			metrics.ObserveEnqueue(source, string(kind))
			appInstance.Logger().Info("run enqueued", zap.String("source", source), zap.Int64("run_id", run.ID))
			return writeOutput(cmd, run)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source name from the registry")
	cmd.Flags().StringVar(&trigger, "trigger", string(collector.TriggerManual), "trigger kind: manual or scheduled")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs",
	}

	var filter collector.RunFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := appInstance.Runs().ListRecent(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeOutput(cmd, runs)
		},
	}
	list.Flags().StringVar(&filter.Source, "source", "", "only runs for this source")
	list.Flags().IntVar(&filter.Limit, "limit", collector.DefaultListLimit, "maximum number of runs")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("run id %q: %w", args[0], err)
			}
			run, err := appInstance.Runs().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeOutput(cmd, run)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func writeOutput(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
