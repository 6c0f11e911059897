package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rhuss/composer/pkg/callback"
	"github.com/rhuss/composer/pkg/config"
	"github.com/rhuss/composer/pkg/executor"
	transporthttp "github.com/rhuss/composer/pkg/transport/http"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var pipelineFiles []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API and the sandbox callback routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, pipelineFiles)
		},
	}
	cmd.Flags().StringSliceVarP(&pipelineFiles, "pipelines", "p", nil, "pipeline files to store at startup (repeatable)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, pipelineFiles []string) error {
	logger := slog.Default()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(pipelineFiles) > 0 {
		n, err := seedPipelines(ctx, store, cfg, pipelineFiles)
		if err != nil {
			return err
		}
		logger.Info("pipelines loaded", "count", n)
	}

	sb, err := openSandbox(cfg, store, logger)
	if err != nil {
		return err
	}
	defer sb.engine.Close()
	if err := sb.engine.Ping(ctx); err != nil {
		// Invocations fail with a sandbox error until the engine is back.
		logger.Warn("container engine unreachable", "error", err)
	}

	specializer, err := newSpecializer(cfg, logger)
	if err != nil {
		return err
	}
	tokens, err := newTokens(cfg, logger)
	if err != nil {
		return err
	}
	locks, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer locks.close()

	driver := executor.New(executor.Config{
		CallbackHost:          cfg.Execution.CallbackHost,
		CallbackPort:          strconv.Itoa(cfg.Execution.CallbackPort),
		Timeout:               cfg.Execution.Timeout,
		PersistStateOnFailure: cfg.Execution.PersistStateOnFailure,
		Validation:            cfg.Validation(),
	}, store, sb.engine, sb.registry, sb.provisioner, specializer, tokens,
		executor.WithLocker(locks.locker),
		executor.WithLogger(logger),
	)

	cb := callback.New(store, tokens, newModelProxy(cfg, logger),
		callback.WithLogger(logger),
		callback.WithMaxBodySize(cfg.Server.MaxBodySize),
	)

	chain, limiter := newAuth(cfg)
	srv := transporthttp.NewServer(driver, store,
		transporthttp.WithAddr(fmt.Sprintf(":%d", cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.WithAuth(chain, limiter),
		transporthttp.WithCallback(cb.Handler()),
		transporthttp.WithReadiness(readiness(
			dependency{"storage", store.HealthCheck},
			dependency{"container engine", sb.engine.Ping},
			dependency{"lock", locks.ping},
		)),
	)

	logger.Info("composer starting",
		"port", cfg.Server.Port,
		"auth", cfg.Auth.Type,
		"storage", cfg.Storage.Type,
		"lock", cfg.Lock.Type,
		"image", cfg.Sandbox.Image,
	)
	return srv.Run(ctx)
}
