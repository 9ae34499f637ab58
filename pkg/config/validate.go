package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// homeserver.base_url is required and must be an http(s) URL.
	if c.Homeserver.BaseURL == "" {
		errs = append(errs, fmt.Errorf("homeserver.base_url is required"))
	} else if u, err := url.Parse(c.Homeserver.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver.base_url must be an http or https URL, got %q", c.Homeserver.BaseURL))
	}

	// homeserver.timeout must be positive.
	if c.Homeserver.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("homeserver.timeout must be > 0, got %s", c.Homeserver.Timeout))
	}

	// negotiation.max_attempts must not be negative.
	if c.Negotiation.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("negotiation.max_attempts must be >= 0, got %d", c.Negotiation.MaxAttempts))
	}

	// The JWT provider needs a subject once it is enabled.
	if c.Stages.JWT.Secret != "" {
		if c.Stages.JWT.Subject == "" {
			errs = append(errs, fmt.Errorf("stages.jwt.subject is required when stages.jwt.secret is set"))
		}
		if c.Stages.JWT.TTL <= 0 {
			errs = append(errs, fmt.Errorf("stages.jwt.ttl must be > 0, got %s", c.Stages.JWT.TTL))
		}
	}

	for i, kind := range c.Stages.Fallback.Kinds {
		if strings.TrimSpace(kind) == "" {
			errs = append(errs, fmt.Errorf("stages.fallback.kinds[%d] must not be empty", i))
		}
	}

	// logging.level must be a known value.
	switch strings.ToUpper(c.Logging.Level) {
	case "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "":
		// valid
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of TRACE, DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level))
	}

	// observability.metrics.addr is required when metrics are served.
	if c.Observability.Metrics.Enabled {
		if c.Observability.Metrics.Addr == "" {
			errs = append(errs, fmt.Errorf("observability.metrics.addr is required when metrics are enabled"))
		}
		if !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
		}
	}

	return errors.Join(errs...)
}
