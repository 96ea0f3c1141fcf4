package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/a2bit/jobtracker/internal/collector"
)

func newSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage the source registry",
	}
	cmd.AddCommand(newSourceListCmd(), newSourceUpsertCmd(), newSourceToggleCmd("enable", true), newSourceToggleCmd("disable", false))
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := appInstance.Registry().List(cmd.Context())
			if err != nil {
				return err
			}
			return writeOutput(cmd, sources)
		},
	}
}

func newSourceUpsertCmd() *cobra.Command {
	var (
		configPath string
		disabled   bool
	)
	cmd := &cobra.Command{
		Use:   "upsert NAME",
		Short: "Create or replace a source from a JSON config file (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := readConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if _, err := collector.DecodeSourceConfig(args[0], raw); err != nil {
				return err
			}
			src, err := appInstance.Registry().Upsert(cmd.Context(), collector.Source{
				Name:    args[0],
				Enabled: !disabled,
				Config:  raw,
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd, src)
		},
	}
	cmd.Flags().StringVar(&configPath, "config-file", "-", "path to the source config JSON")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the source disabled")
	return cmd
}

func newSourceToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("Set enabled=%t on a source", enabled),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			src, err := appInstance.Registry().Update(cmd.Context(), args[0], collector.SourceUpdate{Enabled: &enabled})
			if err != nil {
				return err
			}
			return writeOutput(cmd, src)
		},
	}
}

func readConfig(cmd *cobra.Command, path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read source config: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("source config is not valid JSON")
	}
	return json.RawMessage(data), nil
}
