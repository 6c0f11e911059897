package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/composer/pkg/api"
)

// Runtime identifies the running container of one tenant.
type Runtime struct {
	TenantID    int64
	Name        string
	ContainerID string
}

// PipelineLister lists the pipelines a tenant owns. The registry uses it to
// provision every pipeline directory when a runtime is created.
type PipelineLister interface {
	ListPipelineIDs(ctx context.Context, tenantID int64) ([]int64, error)
}

// Registry resolves tenants to their runtimes, creating or starting
// containers as needed. It is safe for concurrent use; concurrent Ensure
// calls for one tenant share a single inspection and at most one creation.
type Registry struct {
	engine      Engine
	cfg         Config
	logger      *slog.Logger
	provisioner *Provisioner
	lister      PipelineLister
	group       singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithEagerProvisioning makes the registry provision the directories of all
// pipelines returned by lister whenever it creates a runtime.
func WithEagerProvisioning(p *Provisioner, lister PipelineLister) RegistryOption {
	return func(r *Registry) {
		r.provisioner = p
		r.lister = lister
	}
}

// NewRegistry creates a Registry. Zero fields of cfg take their defaults.
func NewRegistry(engine Engine, cfg Config, opts ...RegistryOption) *Registry {
	cfg.Defaults()
	r := &Registry{
		engine: engine,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type ensured struct {
	rt      *Runtime
	created bool
}

// Ensure returns the running runtime of a tenant. A missing runtime is
// created and started, a stopped one is started. The boolean reports
// whether the runtime was created by this call or by the call it joined.
//
// The shared work runs detached from any single caller and is bounded by
// Config.EnsureTimeout. A caller whose ctx ends stops waiting with ctx.Err()
// while the callers that joined it still get the result.
func (r *Registry) Ensure(ctx context.Context, tenantID int64) (*Runtime, bool, error) {
	ch := r.group.DoChan(strconv.FormatInt(tenantID, 10), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EnsureTimeout)
		defer cancel()
		rt, created, err := r.ensure(shared, tenantID)
		return ensured{rt: rt, created: created}, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		v := res.Val.(ensured)
		return v.rt, v.created, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (r *Registry) ensure(ctx context.Context, tenantID int64) (*Runtime, bool, error) {
	name := api.RuntimeName(tenantID)

	c, err := r.engine.Inspect(ctx, name)
	if errors.Is(err, ErrNotFound) {
		rt, err := r.create(ctx, tenantID, name)
		return rt, err == nil, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("inspecting runtime %s: %w", name, err)
	}
	if err := checkOwner(c, tenantID); err != nil {
		return nil, false, err
	}

	rt := &Runtime{TenantID: tenantID, Name: name, ContainerID: c.ID}
	if !c.Running {
		r.logger.Info("starting stopped runtime", "tenant_id", tenantID, "name", name)
		if err := r.engine.Start(ctx, c.ID); err != nil {
			return nil, false, fmt.Errorf("starting runtime %s: %w", name, err)
		}
	}
	return rt, false, nil
}

func (r *Registry) create(ctx context.Context, tenantID int64, name string) (*Runtime, error) {
	r.logger.Info("creating runtime", "tenant_id", tenantID, "name", name, "image", r.cfg.Image)

	id, err := r.engine.Create(ctx, Spec{
		Name:        name,
		Image:       r.cfg.Image,
		Cmd:         []string{"sleep", "infinity"},
		Labels:      map[string]string{TenantLabel: strconv.FormatInt(tenantID, 10)},
		ExtraHosts:  r.cfg.ExtraHosts,
		MemoryBytes: r.cfg.MemoryBytes,
		NanoCPUs:    r.cfg.NanoCPUs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating runtime %s: %w", name, err)
	}
	if err := r.engine.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("starting runtime %s: %w", name, err)
	}
	if _, err := Run(ctx, r.engine, id, ExecSpec{Cmd: []string{"mkdir", "-p", r.cfg.BaseDir}}); err != nil {
		return nil, fmt.Errorf("creating base directory in %s: %w", name, err)
	}

	rt := &Runtime{TenantID: tenantID, Name: name, ContainerID: id}
	r.provisionAll(ctx, rt)
	return rt, nil
}

// provisionAll prepares the directories of every pipeline of a new runtime.
// Failures are logged; the pipeline being invoked is provisioned again on
// its own path.
func (r *Registry) provisionAll(ctx context.Context, rt *Runtime) {
	if r.provisioner == nil || r.lister == nil {
		return
	}
	ids, err := r.lister.ListPipelineIDs(ctx, rt.TenantID)
	if err != nil {
		r.logger.Warn("listing pipelines for provisioning failed", "tenant_id", rt.TenantID, "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.ProvisionConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := r.provisioner.EnsurePipelineDir(ctx, rt, id); err != nil {
				r.logger.Warn("provisioning pipeline failed",
					"tenant_id", rt.TenantID,
					"pipeline_id", id,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Destroy force-removes a tenant's runtime. A missing runtime is not an
// error.
func (r *Registry) Destroy(ctx context.Context, tenantID int64) error {
	name := api.RuntimeName(tenantID)
	c, err := r.engine.Inspect(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting runtime %s: %w", name, err)
	}
	if err := checkOwner(c, tenantID); err != nil {
		return err
	}
	if err := r.engine.Remove(ctx, c.ID); err != nil {
		return fmt.Errorf("removing runtime %s: %w", name, err)
	}
	r.logger.Info("runtime destroyed", "tenant_id", tenantID, "name", name)
	return nil
}

// Stop stops a tenant's runtime, keeping its pipeline directories for the
// next Ensure. A missing or already stopped runtime is not an error.
func (r *Registry) Stop(ctx context.Context, tenantID int64) error {
	name := api.RuntimeName(tenantID)
	c, err := r.engine.Inspect(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting runtime %s: %w", name, err)
	}
	if err := checkOwner(c, tenantID); err != nil {
		return err
	}
	if !c.Running {
		return nil
	}
	if err := r.engine.Stop(ctx, c.ID); err != nil {
		return fmt.Errorf("stopping runtime %s: %w", name, err)
	}
	r.logger.Info("runtime stopped", "tenant_id", tenantID, "name", name)
	return nil
}

// Lookup returns the runtime of a tenant without creating or starting it.
func (r *Registry) Lookup(ctx context.Context, tenantID int64) (*Container, error) {
	name := api.RuntimeName(tenantID)
	c, err := r.engine.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(c, tenantID); err != nil {
		return nil, err
	}
	return c, nil
}

func checkOwner(c *Container, tenantID int64) error {
	if c.Labels[TenantLabel] != strconv.FormatInt(tenantID, 10) {
		return fmt.Errorf("%w: %s", ErrForeignRuntime, c.Name)
	}
	return nil
}
