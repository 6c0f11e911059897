package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/auth"
	"github.com/rhuss/composer/pkg/auth/apikey"
	"github.com/rhuss/composer/pkg/auth/jwt"
	"github.com/rhuss/composer/pkg/auth/noop"
	"github.com/rhuss/composer/pkg/auth/sandboxtoken"
	"github.com/rhuss/composer/pkg/config"
	"github.com/rhuss/composer/pkg/lock"
	redislocker "github.com/rhuss/composer/pkg/lock/redis"
	"github.com/rhuss/composer/pkg/modelapi"
	"github.com/rhuss/composer/pkg/sandbox"
	"github.com/rhuss/composer/pkg/sandbox/docker"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/storage/memory"
	"github.com/rhuss/composer/pkg/storage/postgres"
	"github.com/rhuss/composer/pkg/template"
)

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			MigrateOnStart: cfg.Storage.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Storage.Postgres.MaxConns)
		return s, nil
	default:
		slog.Info("storage enabled", "type", "memory", "max_turns", cfg.Storage.MaxTurns)
		return memory.New(cfg.Storage.MaxTurns), nil
	}
}

// seedPipelines stores the pipelines of every file, validating each first.
func seedPipelines(ctx context.Context, store storage.PipelineStore, cfg *config.Config, paths []string) (int, error) {
	n := 0
	for _, path := range paths {
		pipelines, err := config.LoadPipelines(path)
		if err != nil {
			return n, err
		}
		for _, p := range pipelines {
			if apiErr := api.ValidatePipeline(p, cfg.Validation()); apiErr != nil {
				return n, fmt.Errorf("%s: pipeline %d: %s", path, p.ID, apiErr.Message)
			}
			if err := store.PutPipeline(ctx, p); err != nil {
				return n, fmt.Errorf("%s: storing pipeline %d: %w", path, p.ID, err)
			}
			slog.Info("pipeline stored", "pipeline_id", p.ID, "tenant_id", p.TenantID, "file", path)
			n++
		}
	}
	return n, nil
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		Image:                cfg.Sandbox.Image,
		BaseDir:              cfg.Sandbox.BaseDir,
		VenvDir:              cfg.Sandbox.VenvDir,
		PythonVersion:        cfg.Sandbox.PythonVersion,
		ExtraHosts:           cfg.Sandbox.ExtraHosts,
		MemoryBytes:          cfg.Sandbox.MemoryBytes,
		NanoCPUs:             cfg.Sandbox.NanoCPUs,
		ProvisionConcurrency: cfg.Sandbox.ProvisionConcurrency,
		EnsureTimeout:        cfg.Sandbox.EnsureTimeout,
	}
}

// sandboxStack is the container engine with the registry and provisioner
// built on it.
type sandboxStack struct {
	engine      *docker.Engine
	registry    *sandbox.Registry
	provisioner *sandbox.Provisioner
}

func openSandbox(cfg *config.Config, lister sandbox.PipelineLister, logger *slog.Logger) (*sandboxStack, error) {
	eng, err := docker.New(cfg.Sandbox.Host, logger)
	if err != nil {
		return nil, err
	}
	sc := sandboxConfig(cfg)
	prov := sandbox.NewProvisioner(eng, sc, logger)

	opts := []sandbox.RegistryOption{sandbox.WithLogger(logger)}
	if cfg.Sandbox.EagerProvisioning && lister != nil {
		opts = append(opts, sandbox.WithEagerProvisioning(prov, lister))
	}
	return &sandboxStack{
		engine:      eng,
		registry:    sandbox.NewRegistry(eng, sc, opts...),
		provisioner: prov,
	}, nil
}

func newSpecializer(cfg *config.Config, logger *slog.Logger) (*template.Specializer, error) {
	fsys := template.Skeleton()
	if cfg.Template.Dir != "" {
		fsys = os.DirFS(cfg.Template.Dir)
	}
	s, err := template.New(fsys,
		template.WithTempDir(cfg.Template.TempDir),
		template.WithValidation(cfg.Validation()),
		template.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("loading template tree: %w", err)
	}
	return s, nil
}

func newTokens(cfg *config.Config, logger *slog.Logger) (*sandboxtoken.Issuer, error) {
	secret := []byte(cfg.Tokens.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
		logger.Warn("tokens.secret not set, using a random secret; sandbox tokens will not survive a restart")
	}
	return sandboxtoken.New(sandboxtoken.Config{
		Secret:     secret,
		AccessTTL:  cfg.Tokens.AccessTTL,
		RefreshTTL: cfg.Tokens.RefreshTTL,
	})
}

// lockBackend is the pipeline locker with the hooks of its connection.
// ping is nil for the in-process lock.
type lockBackend struct {
	locker lock.Locker
	ping   func(context.Context) error
	close  func() error
}

// newLocker returns the pipeline lock backend selected by lock.type.
func newLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*lockBackend, error) {
	if cfg.Lock.Type != "redis" {
		return &lockBackend{locker: lock.NewKeyedMutex(), close: func() error { return nil }}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.Redis.Addr,
		Password: cfg.Lock.Redis.Password,
		DB:       cfg.Lock.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Lock.Redis.Addr, err)
	}
	logger.Info("pipeline lock enabled", "type", "redis", "addr", cfg.Lock.Redis.Addr)
	return &lockBackend{
		locker: redislocker.New(client, redislocker.Config{TTL: cfg.Lock.Redis.TTL}, logger),
		ping:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close:  client.Close,
	}, nil
}

// dependency is a backend the server needs to serve invocations.
type dependency struct {
	name string
	ping func(context.Context) error
}

// readiness checks all dependencies concurrently. Entries without a ping
// are skipped.
func readiness(deps ...dependency) func(context.Context) error {
	return func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, dep := range deps {
			if dep.ping == nil {
				continue
			}
			g.Go(func() error {
				if err := dep.ping(ctx); err != nil {
					return fmt.Errorf("%s: %w", dep.name, err)
				}
				return nil
			})
		}
		return g.Wait()
	}
}

// newModelProxy returns nil when no upstream is configured; the callback
// server then answers model calls with 503.
func newModelProxy(cfg *config.Config, logger *slog.Logger) modelapi.Proxy {
	if cfg.ModelAPI.BaseURL == "" {
		logger.Info("model API proxy disabled")
		return nil
	}
	return modelapi.New(modelapi.Config{
		BaseURL:    cfg.ModelAPI.BaseURL,
		APIKey:     cfg.ModelAPI.APIKey,
		Timeout:    cfg.ModelAPI.Timeout,
		MaxRetries: cfg.ModelAPI.MaxRetries,
	}, logger)
}

func newAuth(cfg *config.Config) (*auth.AuthChain, auth.RateLimiter) {
	chain := &auth.AuthChain{DefaultDecision: auth.No}
	switch cfg.Auth.Type {
	case "apikey":
		entries := make([]apikey.Entry, 0, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			entries = append(entries, apikey.Entry{
				Key:         k.Key,
				Subject:     k.Subject,
				TenantID:    k.TenantID,
				ServiceTier: k.ServiceTier,
			})
		}
		chain.Authenticators = []auth.Authenticator{apikey.New(entries)}
	case "jwt":
		chain.Authenticators = []auth.Authenticator{jwt.New(jwt.Config{
			Issuer:      cfg.Auth.JWT.Issuer,
			Audience:    cfg.Auth.JWT.Audience,
			JWKSURL:     cfg.Auth.JWT.JWKSURL,
			TenantClaim: cfg.Auth.JWT.TenantClaim,
		})}
	default:
		chain.Authenticators = []auth.Authenticator{noop.Authenticator{}}
	}

	rl := cfg.Auth.RateLimit
	if rl.DefaultRPM <= 0 && len(rl.Tiers) == 0 {
		return chain, nil
	}
	tiers := make(map[string]auth.TierConfig, len(rl.Tiers))
	for tier, rpm := range rl.Tiers {
		tiers[tier] = auth.TierConfig{RequestsPerMinute: rpm}
	}
	return chain, auth.NewInProcessLimiter(tiers, rl.DefaultRPM)
}
