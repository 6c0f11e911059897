package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/config"
)

type renderOptions struct {
	file       string
	pipelineID int64
	outDir     string
}

func newRenderCommand(root *rootOptions) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Specialize the template tree for a pipeline",
		Long: `Render specializes the template tree for one pipeline, read from a YAML
file (-f) or from the configured store (--id alone). Without --out the
specialized entrypoint is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return render(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.file, "filename", "f", "", "pipeline YAML file")
	cmd.Flags().Int64Var(&opts.pipelineID, "id", 0, "pipeline ID (default: the file's first pipeline)")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "write the whole tree to this directory")
	return cmd
}

func render(ctx context.Context, cfg *config.Config, opts *renderOptions, out io.Writer) error {
	p, err := renderTarget(ctx, cfg, opts)
	if err != nil {
		return err
	}

	specializer, err := newSpecializer(cfg, slog.Default())
	if err != nil {
		return err
	}
	tree, err := specializer.Render(ctx, p)
	if err != nil {
		return err
	}

	if opts.outDir == "" {
		_, err := out.Write(tree[specializer.Manifest().Entrypoint])
		return err
	}
	if err := tree.Write(opts.outDir); err != nil {
		return err
	}
	for _, path := range tree.Paths() {
		fmt.Fprintln(out, path)
	}
	return nil
}

func renderTarget(ctx context.Context, cfg *config.Config, opts *renderOptions) (*api.Pipeline, error) {
	if opts.file == "" {
		if opts.pipelineID == 0 {
			return nil, fmt.Errorf("either --filename or --id is required")
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.GetPipeline(ctx, opts.pipelineID)
	}

	pipelines, err := config.LoadPipelines(opts.file)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if opts.pipelineID == 0 || p.ID == opts.pipelineID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: no pipeline %d", opts.file, opts.pipelineID)
}
