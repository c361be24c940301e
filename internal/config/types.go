package config

// Config is the root configuration for the gateway.
type Config struct {
	Environment string        `yaml:"environment,omitempty"` // "development" | "staging" | "production"
	Gateway     GatewayConfig `yaml:"gateway,omitempty"`
	Agent       AgentConfig   `yaml:"agent,omitempty"`
	Session     SessionConfig `yaml:"session,omitempty"`
	History     HistoryConfig `yaml:"history,omitempty"`
	Logging     LoggingConfig `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server facing the frontend.
type GatewayConfig struct {
	Port           int      `yaml:"port,omitempty"`
	Bind           string   `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string   `yaml:"customBindHost,omitempty"`
	CORSOrigins    []string `yaml:"corsOrigins,omitempty"`
	WebSocket      bool     `yaml:"websocket,omitempty"`
}

// AgentConfig describes the upstream agent service and how to authenticate to it.
type AgentConfig struct {
	BaseURL               string `yaml:"baseUrl,omitempty"`
	APIKey                string `yaml:"apiKey,omitempty"`
	RelationshipManagerID string `yaml:"relationshipManagerId,omitempty"`
	// IdentityAudience enables ADC identity tokens minted for this audience.
	IdentityAudience string `yaml:"identityAudience,omitempty"`
	// Gcloud toggles the gcloud CLI credential source; nil means enabled.
	Gcloud                *bool `yaml:"gcloud,omitempty"`
	CreateTimeoutSeconds int   `yaml:"createTimeoutSeconds,omitempty"`
	QueryTimeoutSeconds   int   `yaml:"queryTimeoutSeconds,omitempty"`
}

// GcloudEnabled reports whether the gcloud CLI source should be tried.
func (a AgentConfig) GcloudEnabled() bool {
	return a.Gcloud == nil || *a.Gcloud
}

// SessionConfig controls the in-memory session registry.
type SessionConfig struct {
	TimeoutMinutes       int `yaml:"timeoutMinutes,omitempty"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds,omitempty"` // 0 disables the background sweeper
}

// HistoryConfig controls the optional SQLite exchange log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"` // defaults to <data>/history.db
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
