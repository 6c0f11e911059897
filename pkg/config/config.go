// Package config provides unified configuration for the composer service.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (COMPOSER_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the composer service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Template  TemplateConfig  `yaml:"template"`
	Execution ExecutionConfig `yaml:"execution"`
	Lock      LockConfig      `yaml:"lock"`
	Tokens    TokensConfig    `yaml:"tokens"`
	ModelAPI  ModelAPIConfig  `yaml:"model_api"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10MB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// StorageConfig holds control-plane persistence settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`      // "memory" or "postgres", default: "memory"
	MaxTurns int            `yaml:"max_turns"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// SandboxConfig holds the sandbox runtime settings.
type SandboxConfig struct {
	// Host is the container engine endpoint, e.g. "unix:///var/run/docker.sock".
	// Empty uses the engine's environment defaults (DOCKER_HOST).
	Host string `yaml:"host"`

	Image         string   `yaml:"image"`          // default: "python:3.11.5-slim"
	BaseDir       string   `yaml:"base_dir"`       // default: "/composer"
	VenvDir       string   `yaml:"venv_dir"`       // default: ".venv"
	PythonVersion string   `yaml:"python_version"` // e.g. "Python 3.11"
	ExtraHosts    []string `yaml:"extra_hosts"`
	MemoryBytes   int64    `yaml:"memory_bytes"`
	NanoCPUs      int64    `yaml:"nano_cpus"`

	// EagerProvisioning provisions every pipeline of a tenant when its
	// runtime is created. Default: true.
	EagerProvisioning    bool `yaml:"eager_provisioning"`
	ProvisionConcurrency int  `yaml:"provision_concurrency"` // default: 4

	// EnsureTimeout bounds creating or starting a runtime. Default: 5m.
	EnsureTimeout time.Duration `yaml:"ensure_timeout"`
}

// TemplateConfig selects the template tree.
type TemplateConfig struct {
	// Dir overrides the built-in template tree.
	Dir string `yaml:"dir"`

	// TempDir is the parent of specialization workspaces. Default: os.TempDir().
	TempDir string `yaml:"temp_dir"`
}

// ExecutionConfig holds invocation settings.
type ExecutionConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 5m

	// PersistStateOnFailure stores component state even when the pipeline
	// raises. Default: false.
	PersistStateOnFailure bool `yaml:"persist_state_on_failure"`

	// CallbackHost is how sandboxes reach this service. Default:
	// "host.docker.internal".
	CallbackHost string `yaml:"callback_host"`

	// CallbackPort defaults to server.port.
	CallbackPort int `yaml:"callback_port"`

	MaxComponents  int `yaml:"max_components"`   // default: 64
	MaxCodeSize    int `yaml:"max_code_size"`    // bytes per component, default: 256KB
	MaxMessageSize int `yaml:"max_message_size"` // default: 64KB
}

// LockConfig selects the per-pipeline lock.
type LockConfig struct {
	Type  string      `yaml:"type"` // "memory" or "redis", default: "memory"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis lock settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"` // default: "localhost:6379"
	Password     string        `yaml:"password"`
	PasswordFile string        `yaml:"password_file"` // _file variant for password
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"` // default: 1m
}

// TokensConfig holds the sandbox token signing settings.
type TokensConfig struct {
	// Secret signs sandbox tokens. Replicas must share it. When empty a
	// random secret is generated at startup.
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"` // _file variant for secret
	AccessTTL  time.Duration `yaml:"access_ttl"`  // default: 15m
	RefreshTTL time.Duration `yaml:"refresh_ttl"` // default: 24h
}

// ModelAPIConfig holds the upstream chat completion API settings. An empty
// base URL disables the model proxy.
type ModelAPIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APIKeyFile string        `yaml:"api_key_file"` // _file variant for api_key
	Timeout    time.Duration `yaml:"timeout"`      // default: 120s
	MaxRetries int           `yaml:"max_retries"`  // default: 2
}

// AuthConfig holds user authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    int64  `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig holds settings for user JWTs verified against a JWKS endpoint.
type JWTConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	JWKSURL     string `yaml:"jwks_url"`
	TenantClaim string `yaml:"tenant_claim"` // default: "tenant_id"
}

// RateLimitConfig holds per-tier request limits for user traffic.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"` // 0 disables limiting
	Tiers      map[string]int `yaml:"tiers"`       // service tier -> requests per minute
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			MaxBodySize:     10 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type:     "memory",
			MaxTurns: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Sandbox: SandboxConfig{
			Image:                "python:3.11.5-slim",
			BaseDir:              "/composer",
			VenvDir:              ".venv",
			EagerProvisioning:    true,
			ProvisionConcurrency: 4,
			EnsureTimeout:        5 * time.Minute,
		},
		Execution: ExecutionConfig{
			Timeout:        5 * time.Minute,
			CallbackHost:   "host.docker.internal",
			MaxComponents:  64,
			MaxCodeSize:    256 << 10,
			MaxMessageSize: 64 << 10,
		},
		Lock: LockConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				TTL:  time.Minute,
			},
		},
		Tokens: TokensConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 24 * time.Hour,
		},
		ModelAPI: ModelAPIConfig{
			Timeout:    120 * time.Second,
			MaxRetries: 2,
		},
		Auth: AuthConfig{
			Type: "none",
			JWT: JWTConfig{
				TenantClaim: "tenant_id",
			},
		},
	}
}
