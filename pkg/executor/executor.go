package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/composer/pkg/api"
	"github.com/rhuss/composer/pkg/archive"
	"github.com/rhuss/composer/pkg/auth/sandboxtoken"
	"github.com/rhuss/composer/pkg/debug"
	"github.com/rhuss/composer/pkg/lock"
	"github.com/rhuss/composer/pkg/observability"
	"github.com/rhuss/composer/pkg/sandbox"
	"github.com/rhuss/composer/pkg/session"
	"github.com/rhuss/composer/pkg/storage"
	"github.com/rhuss/composer/pkg/template"
)

// basePath follows the pipeline's virtual environment on the command search
// path.
const basePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// runDir holds the pid files of running pipeline processes.
const runDir = "/tmp"

const killTimeout = 10 * time.Second

// Store is the storage an invocation needs.
type Store interface {
	GetPipeline(ctx context.Context, id int64) (*api.Pipeline, error)
	GetChatTurn(ctx context.Context, invocationID string) (*api.ChatTurn, error)
	SaveChatTurn(ctx context.Context, turn *api.ChatTurn) error
}

// Config holds the execution settings.
type Config struct {
	// CallbackHost is the control plane's address as seen from inside a
	// runtime. Default: "host.docker.internal".
	CallbackHost string
	// CallbackPort is the port the callback routes are served on.
	// Default: "8080".
	CallbackPort string
	// Timeout bounds a whole invocation, lock wait included. Zero means no
	// deadline.
	Timeout time.Duration
	// PersistStateOnFailure makes a failing pipeline still store its states.
	PersistStateOnFailure bool
	// Validation limits pipelines are checked against before specialization.
	Validation api.ValidationConfig
}

func (c *Config) defaults() {
	if c.CallbackHost == "" {
		c.CallbackHost = "host.docker.internal"
	}
	if c.CallbackPort == "" {
		c.CallbackPort = "8080"
	}
	if c.Validation == (api.ValidationConfig{}) {
		c.Validation = api.DefaultValidationConfig()
	}
}

// Result is the outcome of an invocation that ran the pipeline process.
type Result struct {
	InvocationID string
	Output       string
	ExitCode     int
	Turn         *api.ChatTurn
}

// Driver runs invocations. It is safe for concurrent use.
type Driver struct {
	cfg         Config
	store       Store
	engine      sandbox.Engine
	registry    *sandbox.Registry
	provisioner *sandbox.Provisioner
	specializer *template.Specializer
	transport   *archive.Transport
	tokens      *sandboxtoken.Issuer
	locker      lock.Locker
	logger      *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithLocker sets the per-pipeline lock. The default is an in-process
// keyed mutex.
func WithLocker(l lock.Locker) Option {
	return func(d *Driver) { d.locker = l }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// New creates a Driver.
func New(cfg Config, store Store, engine sandbox.Engine, registry *sandbox.Registry,
	provisioner *sandbox.Provisioner, specializer *template.Specializer,
	tokens *sandboxtoken.Issuer, opts ...Option) *Driver {
	cfg.defaults()
	d := &Driver{
		cfg:         cfg,
		store:       store,
		engine:      engine,
		registry:    registry,
		provisioner: provisioner,
		specializer: specializer,
		tokens:      tokens,
		locker:      lock.NewKeyedMutex(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.transport = archive.NewTransport(engine, provisioner.VenvDir(), d.logger)
	return d
}

// Invoke runs a pipeline for one user message. tenantID zero accepts the
// pipeline's owner; any other value must own the pipeline.
func (d *Driver) Invoke(ctx context.Context, tenantID, pipelineID int64, message string) (*Result, error) {
	return d.invoke(ctx, tenantID, pipelineID, message, api.NewInvocationID(), nil)
}

// invocation carries the progress of one run.
type invocation struct {
	d          *Driver
	id         string
	pipelineID int64
	stage      api.Stage
	emit       func(api.InvocationEvent)
	logger     *slog.Logger
}

// enter moves to the next stage and returns the function that observes its
// duration.
func (inv *invocation) enter(stage api.Stage) func() {
	if err := api.ValidateStageTransition(inv.stage, stage); err != nil {
		inv.logger.Error("unexpected stage transition", "error", err)
	}
	inv.stage = stage
	debug.Log("executor", "invocation stage", "invocation_id", inv.id, "stage", stage)
	if inv.emit != nil {
		inv.emit(api.InvocationEvent{
			Type:         api.EventInvocationStage,
			InvocationID: inv.id,
			PipelineID:   inv.pipelineID,
			Stage:        stage,
		})
	}
	start := time.Now()
	return func() {
		observability.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	}
}

func (inv *invocation) fail(err error) error {
	observability.InvocationsTotal.WithLabelValues("error").Inc()
	inv.logger.Warn("invocation failed", "stage", inv.stage, "error", err)
	return &StageError{Stage: inv.stage, Err: err}
}

func (d *Driver) invoke(ctx context.Context, tenantID, pipelineID int64, message, invocationID string, emit func(api.InvocationEvent)) (*Result, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	observability.InvocationsInFlight.Inc()
	defer observability.InvocationsInFlight.Dec()

	inv := &invocation{
		d:          d,
		id:         invocationID,
		pipelineID: pipelineID,
		emit:       emit,
		logger: d.logger.With(
			"invocation_id", invocationID,
			"pipeline_id", pipelineID,
		),
	}
	if emit != nil {
		emit(api.InvocationEvent{Type: api.EventInvocationCreated, InvocationID: invocationID, PipelineID: pipelineID})
	}
	start := time.Now()

	// Resolving: lock, pipeline, runtime, directory.
	done := inv.enter(api.StageResolving)
	held, err := d.locker.Acquire(ctx, lock.PipelineKey(pipelineID))
	if err != nil {
		done()
		return nil, inv.fail(err)
	}
	defer func() {
		if err := held.Unlock(context.WithoutCancel(ctx)); err != nil {
			inv.logger.Warn("releasing pipeline lock failed", "error", err)
		}
	}()

	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err == nil && tenantID != 0 && p.TenantID != tenantID {
		err = storage.ErrNotFound
	}
	if err != nil {
		done()
		return nil, inv.fail(fmt.Errorf("loading pipeline %d: %w", pipelineID, err))
	}
	inv.logger = inv.logger.With("tenant_id", p.TenantID)

	rt, created, err := d.registry.Ensure(ctx, p.TenantID)
	if err != nil {
		observability.SandboxEnsureTotal.WithLabelValues("error").Inc()
		done()
		return nil, inv.fail(err)
	}
	observability.SandboxEnsureTotal.WithLabelValues(ensureResult(created)).Inc()
	if _, err := d.provisioner.EnsurePipelineDir(ctx, rt, pipelineID); err != nil {
		done()
		return nil, inv.fail(err)
	}
	done()

	// Specializing.
	done = inv.enter(api.StageSpecializing)
	if apiErr := api.ValidatePipeline(p, d.cfg.Validation); apiErr != nil {
		done()
		return nil, inv.fail(apiErr)
	}
	var pkg []byte
	err = d.specializer.Specialize(ctx, p, func(dir string) error {
		var perr error
		pkg, perr = archive.Package(dir)
		return perr
	})
	done()
	if err != nil {
		return nil, inv.fail(err)
	}

	// Delivering.
	dir := d.provisioner.PipelinePath(pipelineID)
	done = inv.enter(api.StageDelivering)
	err = d.transport.Deliver(ctx, rt, dir, pkg)
	done()
	if err != nil {
		return nil, inv.fail(err)
	}

	// Installing.
	manifest := d.specializer.Manifest()
	bin := d.provisioner.VenvBinPath(pipelineID)
	done = inv.enter(api.StageInstalling)
	_, err = sandbox.Run(ctx, d.engine, rt.ContainerID, sandbox.ExecSpec{
		Cmd:        []string{path.Join(bin, "pip"), "install", "-r", manifest.Requirements},
		Env:        []string{"PATH=" + bin + ":" + basePath},
		WorkingDir: dir,
	})
	done()
	if err != nil {
		return nil, inv.fail(err)
	}

	// Running.
	pair, err := d.tokens.Issue(p.TenantID, pipelineID, invocationID)
	if err != nil {
		return nil, inv.fail(err)
	}
	done = inv.enter(api.StageRunning)
	sup := sandbox.SupervisionFor(ctx, path.Join(runDir, invocationID+".pid"))
	res, err := d.engine.Exec(ctx, rt.ContainerID, sandbox.ExecSpec{
		Cmd:        sup.Wrap("python", manifest.Entrypoint, message),
		Env:        d.environment(bin, pair),
		WorkingDir: dir,
	})
	if err == nil && ctx.Err() != nil {
		// The exit status raced the deadline.
		err = ctx.Err()
	}
	if err != nil {
		// The lock must not be released while the process can still
		// touch the pipeline's directory or state.
		d.kill(ctx, inv, rt, sup)
	}
	done()
	if err != nil {
		return nil, inv.fail(fmt.Errorf("running %s: %w", manifest.Entrypoint, err))
	}

	// Recording.
	done = inv.enter(api.StageRecording)
	turn, err := d.record(ctx, inv, message, res)
	done()
	if err != nil {
		return nil, inv.fail(err)
	}
	outcome := "ok"
	if res.ExitCode != 0 {
		outcome = "exit_nonzero"
	}
	observability.InvocationsTotal.WithLabelValues(outcome).Inc()
	inv.logger.Info("invocation completed",
		"exit_code", res.ExitCode,
		"duration", time.Since(start),
	)

	return &Result{
		InvocationID: invocationID,
		Output:       res.Output(),
		ExitCode:     res.ExitCode,
		Turn:         turn,
	}, nil
}

// kill stops a pipeline process the invocation no longer waits for.
func (d *Driver) kill(ctx context.Context, inv *invocation, rt *sandbox.Runtime, sup sandbox.Supervision) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	if _, err := sandbox.Run(ctx, d.engine, rt.ContainerID, sandbox.ExecSpec{Cmd: sup.KillCmd()}); err != nil {
		inv.logger.Error("killing abandoned pipeline process failed", "pid_file", sup.PIDFile, "error", err)
		return
	}
	inv.logger.Info("abandoned pipeline process killed", "pid_file", sup.PIDFile)
}

// environment builds the process environment of the pipeline entry point.
func (d *Driver) environment(bin string, pair sandboxtoken.Pair) []string {
	return []string{
		"PYTHONUNBUFFERED=1",
		"PATH=" + bin + ":" + basePath,
		session.EnvAccessToken + "=" + pair.Access,
		session.EnvRefreshToken + "=" + pair.Refresh,
		session.EnvHost + "=" + d.cfg.CallbackHost,
		session.EnvPort + "=" + d.cfg.CallbackPort,
		session.EnvPersistOnFailure + "=" + strconv.FormatBool(d.cfg.PersistStateOnFailure),
	}
}

// record returns the turn the pipeline recorded through its callbacks. A
// process that died before recording one gets a turn built from its exit
// code and output, so every run yields exactly one turn.
func (d *Driver) record(ctx context.Context, inv *invocation, message string, res *sandbox.ExecResult) (*api.ChatTurn, error) {
	turn, err := d.store.GetChatTurn(ctx, inv.id)
	if err == nil {
		return turn, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("looking up chat turn: %w", err)
	}

	output := res.Output()
	turn = &api.ChatTurn{
		PipelineID:   inv.pipelineID,
		InvocationID: inv.id,
		UserMessage:  message,
		ExitCode:     res.ExitCode,
		Response:     strings.TrimSpace(output),
	}
	if res.ExitCode != 0 {
		turn.Response = exitNarrative(res.ExitCode, output)
	}
	inv.logger.Warn("pipeline did not record a chat turn, recording process outcome",
		"exit_code", res.ExitCode,
	)

	err = d.store.SaveChatTurn(ctx, turn)
	if errors.Is(err, storage.ErrConflict) {
		// Recorded by the pipeline after all.
		return d.store.GetChatTurn(ctx, inv.id)
	}
	if err != nil {
		return nil, fmt.Errorf("recording chat turn: %w", err)
	}
	return turn, nil
}

func exitNarrative(code int, output string) string {
	if code == 1 {
		return session.FailureMessage(output)
	}
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return fmt.Sprintf("Pipeline exited with code %d\n```\n%s```", code, output)
}

func ensureResult(created bool) string {
	if created {
		return "created"
	}
	return "existing"
}
