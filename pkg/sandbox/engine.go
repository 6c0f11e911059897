package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// TenantLabel marks containers owned by a tenant. Its value is the tenant ID.
const TenantLabel = "composer.tenant"

var (
	// ErrNotFound is returned by an Engine when no container has the
	// requested name or ID.
	ErrNotFound = errors.New("sandbox: container not found")

	// ErrForeignRuntime is returned when a container already holds a tenant's
	// runtime name but is not labelled as that tenant's runtime.
	ErrForeignRuntime = errors.New("sandbox: runtime name is taken by a foreign container")
)

// Container describes a container as reported by the engine.
type Container struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string
}

// Spec describes a container to create.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Labels      map[string]string
	ExtraHosts  []string
	MemoryBytes int64
	NanoCPUs    int64
}

// ExecSpec describes a command run inside a container.
type ExecSpec struct {
	Cmd        []string
	Env        []string
	WorkingDir string
}

func (s ExecSpec) String() string {
	return strings.Join(s.Cmd, " ")
}

// ExecResult is the outcome of a command run inside a container. A non-zero
// exit code is not an error at the Engine level.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Output returns stdout followed by stderr.
func (r *ExecResult) Output() string {
	return string(r.Stdout) + string(r.Stderr)
}

// Engine is the container management API the registry drives.
type Engine interface {
	// Inspect looks a container up by name. It returns ErrNotFound when no
	// such container exists.
	Inspect(ctx context.Context, name string) (*Container, error)

	// Create creates a stopped container and returns its ID.
	Create(ctx context.Context, spec Spec) (string, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error

	// Remove force-removes a container, stopping it first when running.
	Remove(ctx context.Context, id string) error

	// Exec runs a command to completion and collects its output.
	Exec(ctx context.Context, id string, spec ExecSpec) (*ExecResult, error)

	// PutArchive extracts a tar stream, optionally gzip-compressed, into dir
	// inside the container.
	PutArchive(ctx context.Context, id, dir string, content io.Reader) error
}

// ExecError reports a command that exited with a non-zero code where success
// was required.
type ExecError struct {
	Cmd      string
	ExitCode int
	Output   string
}

func (e *ExecError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Cmd, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Cmd, e.ExitCode, out)
}

// Run executes spec and turns a non-zero exit code into an *ExecError.
func Run(ctx context.Context, engine Engine, id string, spec ExecSpec) (*ExecResult, error) {
	res, err := engine.Exec(ctx, id, spec)
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", spec.String(), err)
	}
	if res.ExitCode != 0 {
		return res, &ExecError{Cmd: spec.String(), ExitCode: res.ExitCode, Output: res.Output()}
	}
	return res, nil
}
