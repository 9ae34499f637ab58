package homeserver

import (
	"errors"
	"fmt"
	"os"

	"github.com/rhuss/uiaa/pkg/api"
	"gopkg.in/yaml.v3"
)

// Config holds the mock homeserver configuration.
type Config struct {
	// ServerName is the domain part of user ids. Default: "localhost".
	ServerName string `yaml:"server_name"`

	// Users are the accounts that exist at startup.
	Users []UserConfig `yaml:"users"`

	// RegistrationTokens are accepted by m.login.registration_token.
	RegistrationTokens []string `yaml:"registration_tokens"`

	// JWT configures verification for org.matrix.login.jwt.
	JWT JWTConfig `yaml:"jwt"`

	// Terms is the policy advertised in m.login.terms params.
	Terms TermsConfig `yaml:"terms"`

	// ReCaptchaPublicKey is advertised in m.login.recaptcha params.
	ReCaptchaPublicKey string `yaml:"recaptcha_public_key"`

	// Flows lists the flows offered per endpoint.
	Flows FlowsConfig `yaml:"flows"`

	// MaxSessions bounds the number of open UIA sessions; the least
	// recently used session is evicted beyond it. Default: 1000.
	MaxSessions int `yaml:"max_sessions"`
}

// UserConfig describes a pre-existing account.
type UserConfig struct {
	User        string   `yaml:"user"`
	Password    string   `yaml:"password"`
	AccessToken string   `yaml:"access_token"`
	Devices     []string `yaml:"devices"`
}

// JWTConfig holds the shared secret and expected claims for JWT stages.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// TermsConfig describes the single policy the server asks users to accept.
type TermsConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	URL     string `yaml:"url"`
}

// FlowsConfig lists offered flows per endpoint, in preference order.
type FlowsConfig struct {
	Register     [][]api.StageKind `yaml:"register"`
	Password     [][]api.StageKind `yaml:"password"`
	DeleteDevice [][]api.StageKind `yaml:"delete_device"`
}

// DefaultConfig returns a Config with all default values filled in.
func DefaultConfig() Config {
	return Config{
		ServerName: "localhost",
		Terms: TermsConfig{
			Name:    "privacy_policy",
			Version: "1.0",
			URL:     "https://localhost/privacy.html",
		},
		Flows: FlowsConfig{
			Register: [][]api.StageKind{
				{api.StageRegistrationToken, api.StageTerms, api.StageDummy},
				{api.StageDummy},
			},
			Password:     [][]api.StageKind{{api.StagePassword}},
			DeleteDevice: [][]api.StageKind{{api.StagePassword}},
		},
		MaxSessions: 1000,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading homeserver config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing homeserver config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be > 0, got %d", c.MaxSessions))
	}

	for name, flows := range map[string][][]api.StageKind{
		"register":      c.Flows.Register,
		"password":      c.Flows.Password,
		"delete_device": c.Flows.DeleteDevice,
	} {
		if len(flows) == 0 {
			errs = append(errs, fmt.Errorf("flows.%s must offer at least one flow", name))
		}
		for i, f := range flows {
			if len(f) == 0 {
				errs = append(errs, fmt.Errorf("flows.%s[%d] has no stages", name, i))
			}
			for _, s := range f {
				if s == api.StageJWT && c.JWT.Secret == "" {
					errs = append(errs, fmt.Errorf("flows.%s[%d] uses %s but jwt.secret is empty", name, i, s))
				}
			}
		}
	}

	seen := make(map[string]bool)
	for i, u := range c.Users {
		if u.User == "" {
			errs = append(errs, fmt.Errorf("users[%d].user is required", i))
			continue
		}
		if seen[u.User] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate user %q", i, u.User))
		}
		seen[u.User] = true
	}

	return errors.Join(errs...)
}
