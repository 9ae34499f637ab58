// Package config provides unified configuration for the uiaa client.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (UIAA_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the uiaa client.
type Config struct {
	Homeserver    HomeserverConfig    `yaml:"homeserver"`
	Negotiation   NegotiationConfig   `yaml:"negotiation"`
	Stages        StagesConfig        `yaml:"stages"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HomeserverConfig holds the connection settings for the homeserver.
type HomeserverConfig struct {
	BaseURL         string        `yaml:"base_url"`          // required
	AccessToken     string        `yaml:"access_token"`      // optional
	AccessTokenFile string        `yaml:"access_token_file"` // _file variant for access_token
	Timeout         time.Duration `yaml:"timeout"`           // per round trip, default: 30s
}

// NegotiationConfig holds negotiation engine settings.
type NegotiationConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // 0 derives the bound from the offered flows
}

// StagesConfig holds settings for the built-in stage providers. A provider
// whose credentials are absent prompts on the terminal instead.
type StagesConfig struct {
	Password          PasswordStageConfig `yaml:"password"`
	RegistrationToken TokenStageConfig    `yaml:"registration_token"`
	JWT               JWTStageConfig      `yaml:"jwt"`
	Terms             TermsStageConfig    `yaml:"terms"`
	Fallback          FallbackStageConfig `yaml:"fallback"`
}

// PasswordStageConfig configures m.login.password.
type PasswordStageConfig struct {
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"` // _file variant for password
}

// TokenStageConfig configures m.login.registration_token.
type TokenStageConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // _file variant for token
}

// JWTStageConfig configures org.matrix.login.jwt. The provider is enabled
// when a secret is set.
type JWTStageConfig struct {
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"` // _file variant for secret
	Subject    string        `yaml:"subject"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	TTL        time.Duration `yaml:"ttl"` // default: 2m
}

// TermsStageConfig configures m.login.terms.
type TermsStageConfig struct {
	AutoAccept bool `yaml:"auto_accept"` // default: false, ask on the terminal
}

// FallbackStageConfig lists stage kinds completed through the homeserver's
// fallback web page.
type FallbackStageConfig struct {
	Kinds []string `yaml:"kinds"` // default: ["m.login.sso"]
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Debug string `yaml:"debug"` // comma-separated debug categories
	Level string `yaml:"level"` // TRACE, DEBUG, INFO, WARN, ERROR; default: INFO
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: false
	Addr    string `yaml:"addr"`    // default: "127.0.0.1:9464"
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Homeserver: HomeserverConfig{
			Timeout: 30 * time.Second,
		},
		Stages: StagesConfig{
			JWT: JWTStageConfig{
				TTL: 2 * time.Minute,
			},
			Fallback: FallbackStageConfig{
				Kinds: []string{"m.login.sso"},
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Addr: "127.0.0.1:9464",
				Path: "/metrics",
			},
		},
	}
}
