package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	for _, r := range c.Username {
		if unicode.IsControl(r) {
			errs = append(errs, fmt.Errorf("username contains control characters"))
			break
		}
	}

	// Clamp the poll interval to a safe range
	if c.PollIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d is below minimum 1, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 1
	} else if c.PollIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d exceeds maximum 3600, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 3600
	}

	// Persona keys are matched case-insensitively, so two keys differing
	// only in case would shadow each other.
	seen := make(map[string]string, len(c.Personas))
	for proc := range c.Personas {
		folded := strings.ToLower(proc)
		if prev, dup := seen[folded]; dup {
			errs = append(errs, fmt.Errorf("persona keys %q and %q collide case-insensitively", prev, proc))
			continue
		}
		seen[folded] = proc
	}

	if c.DefaultPersona == "" {
		errs = append(errs, fmt.Errorf("default_persona is empty, using %q", Default().DefaultPersona))
		c.DefaultPersona = Default().DefaultPersona
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
