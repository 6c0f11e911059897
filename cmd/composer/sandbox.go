package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rhuss/composer/pkg/config"
	"github.com/rhuss/composer/pkg/sandbox"
	"github.com/rhuss/composer/pkg/storage"
)

func newSandboxCommand(root *rootOptions) *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage per-tenant sandbox runtimes",
	}
	cmd.PersistentFlags().Int64VarP(&tenantID, "tenant", "t", 0, "tenant ID")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	// open builds the sandbox stack. The store is only needed to list the
	// pipelines provisioned eagerly on creation.
	open := func(cmd *cobra.Command) (*sandboxStack, storage.Store, error) {
		cfg, err := config.Load(root.configPath)
		if err != nil {
			return nil, nil, err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return nil, nil, err
		}
		sb, err := openSandbox(cfg, store, slog.Default())
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return sb, store, nil
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create or start the tenant's runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			defer sb.engine.Close()

			rt, created, err := sb.registry.Ensure(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			state := "running"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rt.Name, rt.ContainerID, state)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the tenant's runtime without changing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			defer sb.engine.Close()

			c, err := sb.registry.Lookup(cmd.Context(), tenantID)
			if errors.Is(err, sandbox.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "absent")
				return nil
			}
			if err != nil {
				return err
			}
			state := "stopped"
			if c.Running {
				state = "running"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", c.Name, c.ID, state)
			return nil
		},
	}

	destroy := &cobra.Command{
		Use:   "destroy",
		Short: "Force-remove the tenant's runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			defer sb.engine.Close()

			return sb.registry.Destroy(cmd.Context(), tenantID)
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tenant's runtime, keeping its pipeline directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			defer sb.engine.Close()

			return sb.registry.Stop(cmd.Context(), tenantID)
		},
	}

	var pipelineID int64
	removePipeline := &cobra.Command{
		Use:   "remove-pipeline",
		Short: "Delete one pipeline's directory and virtual environment from the tenant's runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sb, store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			defer sb.engine.Close()

			removed, err := removePipelineDir(cmd.Context(), sb.registry, sb.provisioner, tenantID, pipelineID)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "absent")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), sb.provisioner.PipelinePath(pipelineID))
			return nil
		},
	}
	removePipeline.Flags().Int64VarP(&pipelineID, "pipeline", "p", 0, "pipeline ID")
	_ = removePipeline.MarkFlagRequired("pipeline")

	cmd.AddCommand(ensure, status, stop, destroy, removePipeline)
	return cmd
}

// removePipelineDir deletes a pipeline's directory from the tenant's
// runtime. It reports false when there is no runtime to remove it from. A
// stopped runtime is an error; it would be started for nothing.
func removePipelineDir(ctx context.Context, reg *sandbox.Registry, prov *sandbox.Provisioner, tenantID, pipelineID int64) (bool, error) {
	c, err := reg.Lookup(ctx, tenantID)
	if errors.Is(err, sandbox.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !c.Running {
		return false, fmt.Errorf("runtime %s is stopped; run sandbox ensure first", c.Name)
	}
	rt := &sandbox.Runtime{TenantID: tenantID, Name: c.Name, ContainerID: c.ID}
	if err := prov.RemovePipelineDir(ctx, rt, pipelineID); err != nil {
		return false, err
	}
	return true, nil
}
