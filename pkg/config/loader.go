package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, COMPOSER_CONFIG env, ./config.yaml, /etc/composer/config.yaml)
//  3. COMPOSER_* environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if cfg.Execution.CallbackPort == 0 {
		cfg.Execution.CallbackPort = cfg.Server.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. COMPOSER_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/composer/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("COMPOSER_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/composer/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envVar binds one environment variable to a config field.
type envVar struct {
	name  string
	apply func(string) error
}

func envString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func envInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func envBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func envDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// applyEnvOverrides maps COMPOSER_* environment variables to config fields.
// A malformed value is an error rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	vars := []envVar{
		{"COMPOSER_PORT", envInt(&cfg.Server.Port)},
		{"COMPOSER_STORAGE", envString(&cfg.Storage.Type)},
		{"COMPOSER_STORAGE_MAX_TURNS", envInt(&cfg.Storage.MaxTurns)},
		{"COMPOSER_POSTGRES_DSN", envString(&cfg.Storage.Postgres.DSN)},
		{"COMPOSER_SANDBOX_HOST", envString(&cfg.Sandbox.Host)},
		{"COMPOSER_SANDBOX_IMAGE", envString(&cfg.Sandbox.Image)},
		{"COMPOSER_TEMPLATE_DIR", envString(&cfg.Template.Dir)},
		{"COMPOSER_EXECUTION_TIMEOUT", envDuration(&cfg.Execution.Timeout)},
		{"COMPOSER_PERSIST_STATE_ON_FAILURE", envBool(&cfg.Execution.PersistStateOnFailure)},
		{"COMPOSER_CALLBACK_HOST", envString(&cfg.Execution.CallbackHost)},
		{"COMPOSER_CALLBACK_PORT", envInt(&cfg.Execution.CallbackPort)},
		{"COMPOSER_LOCK", envString(&cfg.Lock.Type)},
		{"COMPOSER_REDIS_ADDR", envString(&cfg.Lock.Redis.Addr)},
		{"COMPOSER_TOKEN_SECRET", envString(&cfg.Tokens.Secret)},
		{"COMPOSER_MODEL_API_URL", envString(&cfg.ModelAPI.BaseURL)},
		{"COMPOSER_MODEL_API_KEY", envString(&cfg.ModelAPI.APIKey)},
		{"COMPOSER_AUTH_TYPE", envString(&cfg.Auth.Type)},
	}
	for _, ev := range vars {
		v := os.Getenv(ev.name)
		if v == "" {
			continue
		}
		if err := ev.apply(v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}

	// COMPOSER_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("COMPOSER_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return fmt.Errorf("COMPOSER_API_KEYS: %w", err)
		}
		if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. An explicit value wins over its file.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		field string
		file  string
		dst   *string
	}{
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"lock.redis.password_file", cfg.Lock.Redis.PasswordFile, &cfg.Lock.Redis.Password},
		{"tokens.secret_file", cfg.Tokens.SecretFile, &cfg.Tokens.Secret},
		{"model_api.api_key_file", cfg.ModelAPI.APIKeyFile, &cfg.ModelAPI.APIKey},
	}
	for _, ref := range refs {
		if ref.file == "" || *ref.dst != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.field, err)
		}
		*ref.dst = val
	}

	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
