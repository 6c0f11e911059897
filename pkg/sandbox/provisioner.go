package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/rhuss/composer/pkg/api"
)

// Provisioner prepares pipeline directories inside tenant runtimes. Each
// pipeline directory holds its own virtual environment so pipelines of one
// tenant never share installed packages.
type Provisioner struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// NewProvisioner creates a Provisioner. Zero fields of cfg take their
// defaults.
func NewProvisioner(engine Engine, cfg Config, logger *slog.Logger) *Provisioner {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{engine: engine, cfg: cfg, logger: logger}
}

// PipelinePath returns the absolute directory of a pipeline inside its
// tenant's runtime.
func (p *Provisioner) PipelinePath(pipelineID int64) string {
	return path.Join(p.cfg.BaseDir, api.PipelineDirName(pipelineID))
}

// VenvBinPath returns the bin directory of a pipeline's virtual environment.
func (p *Provisioner) VenvBinPath(pipelineID int64) string {
	return path.Join(p.PipelinePath(pipelineID), p.cfg.VenvDir, "bin")
}

// VenvDir returns the name of the virtual environment directory inside each
// pipeline directory.
func (p *Provisioner) VenvDir() string {
	return p.cfg.VenvDir
}

// EnsurePipelineDir makes sure the pipeline directory and its virtual
// environment exist. It reports whether anything had to be created. Calling
// it for a provisioned pipeline only runs the interpreter version check.
func (p *Provisioner) EnsurePipelineDir(ctx context.Context, rt *Runtime, pipelineID int64) (bool, error) {
	ok, err := p.venvReady(ctx, rt, pipelineID)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	dir := p.PipelinePath(pipelineID)
	p.logger.Info("provisioning pipeline directory",
		"tenant_id", rt.TenantID,
		"pipeline_id", pipelineID,
		"dir", dir,
	)

	if _, err := Run(ctx, p.engine, rt.ContainerID, ExecSpec{Cmd: []string{"mkdir", "-p", dir}}); err != nil {
		return false, fmt.Errorf("creating pipeline directory %s: %w", dir, err)
	}
	venv := ExecSpec{
		Cmd:        []string{"python3", "-m", "venv", p.cfg.VenvDir},
		WorkingDir: dir,
	}
	if _, err := Run(ctx, p.engine, rt.ContainerID, venv); err != nil {
		return false, fmt.Errorf("creating virtual environment in %s: %w", dir, err)
	}
	return true, nil
}

// venvReady reports whether the pipeline's interpreter answers with the
// configured version.
func (p *Provisioner) venvReady(ctx context.Context, rt *Runtime, pipelineID int64) (bool, error) {
	res, err := Run(ctx, p.engine, rt.ContainerID, ExecSpec{
		Cmd: []string{path.Join(p.VenvBinPath(pipelineID), "python"), "--version"},
	})
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	version := strings.TrimSpace(res.Output())
	if p.cfg.PythonVersion != "" && !strings.HasPrefix(version, p.cfg.PythonVersion) {
		p.logger.Warn("pipeline interpreter version mismatch, reprovisioning",
			"pipeline_id", pipelineID,
			"found", version,
			"want", p.cfg.PythonVersion,
		)
		return false, nil
	}
	return true, nil
}

// RemovePipelineDir deletes a pipeline directory and everything in it.
func (p *Provisioner) RemovePipelineDir(ctx context.Context, rt *Runtime, pipelineID int64) error {
	dir := p.PipelinePath(pipelineID)
	if _, err := Run(ctx, p.engine, rt.ContainerID, ExecSpec{Cmd: []string{"rm", "-rf", dir}}); err != nil {
		return fmt.Errorf("removing pipeline directory %s: %w", dir, err)
	}
	p.logger.Info("pipeline directory removed", "tenant_id", rt.TenantID, "pipeline_id", pipelineID)
	return nil
}
