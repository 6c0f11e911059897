package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/composer/pkg/config"
)

func newPipelineCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage stored pipeline definitions",
	}

	var files []string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Validate and store the pipelines of one or more YAML files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Type == "memory" {
				return fmt.Errorf("pipeline apply needs a persistent store; use serve --pipelines with the memory store")
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := seedPipelines(cmd.Context(), store, cfg, files)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pipeline(s) applied\n", n)
			return nil
		},
	}
	apply.Flags().StringSliceVarP(&files, "filename", "f", nil, "pipeline YAML file (repeatable)")
	_ = apply.MarkFlagRequired("filename")

	cmd.AddCommand(apply)
	return cmd
}
