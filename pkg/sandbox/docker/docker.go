// Package docker implements sandbox.Engine on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/rhuss/composer/pkg/debug"
	"github.com/rhuss/composer/pkg/sandbox"
)

// Engine talks to a Docker daemon.
type Engine struct {
	client *client.Client
	logger *slog.Logger
}

var _ sandbox.Engine = (*Engine)(nil)

// New connects to the daemon configured by the DOCKER_HOST family of
// environment variables, or to host when it is set.
func New(host string, logger *slog.Logger) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{client: cli, logger: logger}, nil
}

// Ping checks that the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the client's connections.
func (e *Engine) Close() error {
	return e.client.Close()
}

func (e *Engine) Inspect(ctx context.Context, name string) (*sandbox.Container, error) {
	info, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		return nil, wrap(err, name)
	}
	c := &sandbox.Container{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		c.Running = info.State.Running
	}
	if info.Config != nil {
		c.Labels = info.Config.Labels
	}
	return c, nil
}

func (e *Engine) Create(ctx context.Context, spec sandbox.Spec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
		Tty:    true,
	}
	hostCfg := &container.HostConfig{
		ExtraHosts: spec.ExtraHosts,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if cerrdefs.IsNotFound(err) {
		if err := e.pull(ctx, spec.Image); err != nil {
			return "", err
		}
		resp, err = e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", wrap(err, spec.Name)
	}
	for _, w := range resp.Warnings {
		e.logger.Warn("container create warning", "name", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

// pull fetches an image that is missing locally.
func (e *Engine) pull(ctx context.Context, ref string) error {
	e.logger.Info("pulling image", "image", ref)
	rc, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

func (e *Engine) Start(ctx context.Context, id string) error {
	return wrap(e.client.ContainerStart(ctx, id, container.StartOptions{}), id)
}

func (e *Engine) Stop(ctx context.Context, id string) error {
	return wrap(e.client.ContainerStop(ctx, id, container.StopOptions{}), id)
}

func (e *Engine) Remove(ctx context.Context, id string) error {
	return wrap(e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}), id)
}

func (e *Engine) Exec(ctx context.Context, id string, spec sandbox.ExecSpec) (*sandbox.ExecResult, error) {
	ex, err := e.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrap(err, id)
	}

	hj, err := e.client.ContainerExecAttach(ctx, ex.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer hj.Close()
	// The hijacked stream ignores ctx; closing it unblocks the copy. The
	// process itself keeps running, see sandbox.Supervision.
	stop := context.AfterFunc(ctx, hj.Close)
	defer stop()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&stdout, &stderr, hj.Reader)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	insp, err := e.client.ContainerExecInspect(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	e.logger.Debug("exec finished",
		"container", id,
		"cmd", spec.String(),
		"exit_code", insp.ExitCode,
	)
	debug.Trace("sandbox", "exec output",
		"container", id,
		"stdout", debug.Truncate(stdout.String(), 4096),
		"stderr", debug.Truncate(stderr.String(), 4096),
	)
	return &sandbox.ExecResult{
		ExitCode: insp.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (e *Engine) PutArchive(ctx context.Context, id, dir string, content io.Reader) error {
	return wrap(e.client.CopyToContainer(ctx, id, dir, content, container.CopyToContainerOptions{}), id)
}

// wrap maps daemon not-found errors onto sandbox.ErrNotFound.
func wrap(err error, ref string) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %v", ref, sandbox.ErrNotFound, err)
	}
	return err
}
