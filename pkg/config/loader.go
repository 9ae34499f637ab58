package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/uiaa/pkg/debug"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, UIAA_CONFIG env, ./uiaa.yaml, /etc/uiaa/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnvalidated(configPath)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadUnvalidated runs every loading step except validation, so command
// line flags can still fill required fields before Validate is called.
func LoadUnvalidated(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	// Apply environment variable overrides.
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. UIAA_CONFIG environment variable
// 3. ./uiaa.yaml in the current directory
// 4. /etc/uiaa/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	// Check UIAA_CONFIG env var.
	if envPath := os.Getenv("UIAA_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{
		"uiaa.yaml",
		"/etc/uiaa/config.yaml",
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

// applyEnvOverrides maps UIAA_* environment variables to config fields.
// Malformed numeric or duration values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("UIAA_HOMESERVER"); v != "" {
		cfg.Homeserver.BaseURL = v
	}
	if v := os.Getenv("UIAA_ACCESS_TOKEN"); v != "" {
		cfg.Homeserver.AccessToken = v
	}
	if v := os.Getenv("UIAA_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UIAA_TIMEOUT: %w", err)
		}
		cfg.Homeserver.Timeout = d
	}
	if v := os.Getenv("UIAA_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UIAA_MAX_ATTEMPTS: %w", err)
		}
		cfg.Negotiation.MaxAttempts = n
	}
	if v := os.Getenv("UIAA_USER"); v != "" {
		cfg.Stages.Password.User = v
	}
	if v := os.Getenv("UIAA_PASSWORD"); v != "" {
		cfg.Stages.Password.Password = v
	}
	if v := os.Getenv("UIAA_REGISTRATION_TOKEN"); v != "" {
		cfg.Stages.RegistrationToken.Token = v
	}
	if v := os.Getenv("UIAA_JWT_SECRET"); v != "" {
		cfg.Stages.JWT.Secret = v
	}
	if v := os.Getenv("UIAA_JWT_SUBJECT"); v != "" {
		cfg.Stages.JWT.Subject = v
	}
	if v := os.Getenv("UIAA_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Enabled = true
		cfg.Observability.Metrics.Addr = v
	}
	return nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"homeserver.access_token_file", cfg.Homeserver.AccessTokenFile, &cfg.Homeserver.AccessToken},
		{"stages.password.password_file", cfg.Stages.Password.PasswordFile, &cfg.Stages.Password.Password},
		{"stages.registration_token.token_file", cfg.Stages.RegistrationToken.TokenFile, &cfg.Stages.RegistrationToken.Token},
		{"stages.jwt.secret_file", cfg.Stages.JWT.SecretFile, &cfg.Stages.JWT.Secret},
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
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
