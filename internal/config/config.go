package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

const (
	DefaultPort                  = 8000
	DefaultRelationshipManagerID = "001"
	DefaultSessionTimeoutMinutes = 60
	DefaultSweepIntervalSeconds  = 60
	DefaultCreateTimeoutSeconds  = 30
	DefaultQueryTimeoutSeconds   = 300
)

// DefaultCORSOrigins are the local frontend dev servers.
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Environment: "development",
		Gateway: GatewayConfig{
			Port:        DefaultPort,
			Bind:        "lan",
			CORSOrigins: append([]string(nil), DefaultCORSOrigins...),
			WebSocket:   true,
		},
		Agent: AgentConfig{
			RelationshipManagerID: DefaultRelationshipManagerID,
			CreateTimeoutSeconds: DefaultCreateTimeoutSeconds,
			QueryTimeoutSeconds:   DefaultQueryTimeoutSeconds,
		},
		Session: SessionConfig{
			TimeoutMinutes:       DefaultSessionTimeoutMinutes,
			SweepIntervalSeconds: DefaultSweepIntervalSeconds,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

// IsProduction reports whether debug surfaces must stay hidden.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// SessionTimeout is the registry lifetime measured from creation.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

// SweepInterval is the period of the background expiry sweep.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Session.SweepIntervalSeconds) * time.Second
}

// CreateSessionTimeout bounds the upstream get_session call.
func (c Config) CreateSessionTimeout() time.Duration {
	return time.Duration(c.Agent.CreateTimeoutSeconds) * time.Second
}

// QueryTimeout bounds the upstream query call.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.Agent.QueryTimeoutSeconds) * time.Second
}
