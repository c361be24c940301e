package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields lets secrets and endpoints live in the file as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Agent.APIKey = expandEnvVars(cfg.Agent.APIKey)
	cfg.Agent.BaseURL = expandEnvVars(cfg.Agent.BaseURL)
	cfg.Agent.IdentityAudience = expandEnvVars(cfg.Agent.IdentityAudience)
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Files that do not exist are skipped and variables that are
// already set are never overridden.
func LoadDotEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return &ConfigError{Message: "failed to load env file: " + err.Error()}
	}
	return nil
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	expandSensitiveFields(&cfg)
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ParseOrigins splits a comma separated origin list. An empty list falls
// back to the local frontend origin.
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{DefaultCORSOrigins[0]}
	}
	return origins
}

// applyDefaults fills zero-value fields left empty by the file.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Environment == "" {
		cfg.Environment = d.Environment
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if len(cfg.Gateway.CORSOrigins) == 0 {
		cfg.Gateway.CORSOrigins = d.Gateway.CORSOrigins
	}
	if cfg.Agent.RelationshipManagerID == "" {
		cfg.Agent.RelationshipManagerID = d.Agent.RelationshipManagerID
	}
	if cfg.Agent.CreateTimeoutSeconds == 0 {
		cfg.Agent.CreateTimeoutSeconds = d.Agent.CreateTimeoutSeconds
	}
	if cfg.Agent.QueryTimeoutSeconds == 0 {
		cfg.Agent.QueryTimeoutSeconds = d.Agent.QueryTimeoutSeconds
	}
	if cfg.Session.TimeoutMinutes == 0 {
		cfg.Session.TimeoutMinutes = d.Session.TimeoutMinutes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads the deployment environment variables. The plain
// names are shared with existing deployments; KRISTAL_* cover the rest.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_API_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("AGENT_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("RELATIONSHIP_MANAGER_ID"); v != "" {
		cfg.Agent.RelationshipManagerID = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Gateway.CORSOrigins = ParseOrigins(v)
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("SESSION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.TimeoutMinutes = n
		}
	}
	for _, name := range []string{"PORT", "KRISTAL_GATEWAY_PORT"} {
		if v := os.Getenv(name); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				cfg.Gateway.Port = port
			}
		}
	}
	if v := os.Getenv("KRISTAL_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("KRISTAL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Agent.IdentityAudience = v
	}
	if v := os.Getenv("KRISTAL_HISTORY_PATH"); v != "" {
		cfg.History.Enabled = true
		cfg.History.Path = v
	}
	for _, name := range []string{"LOG_LEVEL", "KRISTAL_LOG_LEVEL"} {
		if v := os.Getenv(name); v != "" {
			cfg.Logging.Level = strings.ToLower(v)
		}
	}
}
