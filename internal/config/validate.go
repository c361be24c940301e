package config

import (
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validEnvs := []string{"development", "staging", "production"}
	if cfg.Environment != "" && !slices.Contains(validEnvs, cfg.Environment) {
		issues = append(issues, ValidationIssue{
			Path:    "environment",
			Message: fmt.Sprintf("must be one of %v, got %q", validEnvs, cfg.Environment),
		})
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}

	for i, origin := range cfg.Gateway.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, ValidationIssue{
				Path:    fmt.Sprintf("gateway.corsOrigins[%d]", i),
				Message: fmt.Sprintf("not an origin: %q", origin),
			})
		}
	}

	// Agent validation
	if cfg.Agent.BaseURL == "" {
		issues = append(issues, ValidationIssue{
			Path:    "agent.baseUrl",
			Message: "required (set agent.baseUrl or AGENT_API_URL)",
		})
	} else if u, err := url.Parse(cfg.Agent.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		issues = append(issues, ValidationIssue{
			Path:    "agent.baseUrl",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", cfg.Agent.BaseURL),
		})
	}
	if cfg.Agent.CreateTimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "agent.createTimeoutSeconds",
			Message: "must not be negative",
		})
	}
	if cfg.Agent.QueryTimeoutSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "agent.queryTimeoutSeconds",
			Message: "must not be negative",
		})
	}

	// Session validation
	if cfg.Session.TimeoutMinutes < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "session.timeoutMinutes",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Session.TimeoutMinutes),
		})
	}
	if cfg.Session.SweepIntervalSeconds < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "session.sweepIntervalSeconds",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Session.SweepIntervalSeconds),
		})
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.consoleStyle",
			Message: fmt.Sprintf("must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle),
		})
	}

	return issues
}
