package sandbox

import "time"

// Config holds the runtime settings shared by the registry and the
// provisioner.
type Config struct {
	Image   string // default: "python:3.11.5-slim"
	BaseDir string // default: "/composer"
	VenvDir string // default: ".venv"

	// PythonVersion is the prefix the venv interpreter's --version output
	// must carry for an existing pipeline directory to be reused. Empty
	// accepts any working interpreter.
	PythonVersion string

	ExtraHosts  []string // default: ["host.docker.internal:host-gateway"]
	MemoryBytes int64
	NanoCPUs    int64

	// ProvisionConcurrency bounds the parallel pipeline provisioning done
	// when a runtime is created. Default: 4.
	ProvisionConcurrency int

	// EnsureTimeout bounds one shared runtime resolution, independent of
	// the callers waiting on it. Default: 5m.
	EnsureTimeout time.Duration
}

// Defaults fills zero fields with their default values.
func (c *Config) Defaults() {
	if c.Image == "" {
		c.Image = "python:3.11.5-slim"
	}
	if c.BaseDir == "" {
		c.BaseDir = "/composer"
	}
	if c.VenvDir == "" {
		c.VenvDir = ".venv"
	}
	if c.ExtraHosts == nil {
		c.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}
	if c.ProvisionConcurrency <= 0 {
		c.ProvisionConcurrency = 4
	}
	if c.EnsureTimeout <= 0 {
		c.EnsureTimeout = 5 * time.Minute
	}
}
