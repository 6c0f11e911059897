package config

import (
	"errors"
	"fmt"

	"github.com/rhuss/composer/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
		errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
	}

	if c.Sandbox.Image == "" {
		errs = append(errs, fmt.Errorf("sandbox.image is required"))
	}
	if c.Sandbox.BaseDir == "" || c.Sandbox.BaseDir[0] != '/' {
		errs = append(errs, fmt.Errorf("sandbox.base_dir must be an absolute path, got %q", c.Sandbox.BaseDir))
	}

	if c.Execution.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("execution.timeout must be > 0, got %v", c.Execution.Timeout))
	}
	if c.Execution.CallbackHost == "" {
		errs = append(errs, fmt.Errorf("execution.callback_host is required"))
	}

	switch c.Lock.Type {
	case "memory":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("lock.redis.addr is required when lock.type is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.type must be \"memory\" or \"redis\", got %q", c.Lock.Type))
	}

	if c.Tokens.Secret != "" && len(c.Tokens.Secret) < 32 {
		errs = append(errs, fmt.Errorf("tokens.secret must be at least 32 bytes, got %d", len(c.Tokens.Secret)))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		errs = append(errs, fmt.Errorf("tokens.refresh_ttl must be >= tokens.access_ttl > 0"))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	return errors.Join(errs...)
}

// Validation returns the pipeline limits of the execution section.
func (c *Config) Validation() api.ValidationConfig {
	return api.ValidationConfig{
		MaxComponents:  c.Execution.MaxComponents,
		MaxCodeSize:    c.Execution.MaxCodeSize,
		MaxMessageSize: c.Execution.MaxMessageSize,
	}
}
