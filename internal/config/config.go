package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rickgao/sessionlink/internal/auth"
	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/envelope"
)

// LinkConfig is the root configuration for a linkctl instance.
type LinkConfig struct {
	Session SessionConfig `yaml:"session" toml:"session"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// SessionConfig holds the server address and connection tuning.
type SessionConfig struct {
	URL                  string            `yaml:"url" toml:"url"`
	AuthToken            string            `yaml:"auth_token" toml:"auth_token"`
	Codec                string            `yaml:"codec" toml:"codec"` // json or cbor
	Headers              map[string]string `yaml:"headers" toml:"headers"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"` // -1 disables
	ReconnectInterval    time.Duration     `yaml:"reconnect_interval" toml:"reconnect_interval"`
	HeartbeatInterval    time.Duration     `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	MaxMissedHeartbeats  int               `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats"` // -1 disables
	ConnectionTimeout    time.Duration     `yaml:"connection_timeout" toml:"connection_timeout"`
	ReadLimit            int64             `yaml:"read_limit" toml:"read_limit"` // max inbound frame bytes
}

// AuthConfig tunes the authentication handshake.
type AuthConfig struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	RetryDelay  time.Duration `yaml:"retry_delay" toml:"retry_delay"`
}

// QueueConfig holds outbound queue settings.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity" toml:"capacity"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	DedupWindow   time.Duration `yaml:"dedup_window" toml:"dedup_window"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// MetricsConfig holds the HTTP endpoint for /metrics and /health.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Port    int    `yaml:"port" toml:"port"`
	Path    string `yaml:"path" toml:"path"`
}

// SessionConfig converts to the connection manager's session config.
func (c *LinkConfig) SessionConfig() connection.SessionConfig {
	var header http.Header
	if len(c.Session.Headers) > 0 {
		header = make(http.Header, len(c.Session.Headers))
		for k, v := range c.Session.Headers {
			header.Set(k, v)
		}
	}
	return connection.SessionConfig{
		URL:                  c.Session.URL,
		AuthToken:            c.Session.AuthToken,
		Header:               header,
		MaxReconnectAttempts: c.Session.MaxReconnectAttempts,
		ReconnectInterval:    c.Session.ReconnectInterval,
		HeartbeatInterval:    c.Session.HeartbeatInterval,
		MaxMissedHeartbeats:  c.Session.MaxMissedHeartbeats,
		ConnectionTimeout:    c.Session.ConnectionTimeout,
	}
}

// ManagerOptions returns the connection manager options for this config.
func (c *LinkConfig) ManagerOptions() ([]connection.Option, error) {
	codec, err := envelope.NewCodec(c.Session.Codec)
	if err != nil {
		return nil, fmt.Errorf("session.codec: %w", err)
	}
	return []connection.Option{
		connection.WithCodec(codec),
		connection.WithQueueCapacity(c.Queue.Capacity),
		connection.WithFlushInterval(c.Queue.FlushInterval),
		connection.WithDedupWindow(c.Queue.DedupWindow),
		connection.WithReadLimit(c.Session.ReadLimit),
		connection.WithAuthConfig(auth.Config{
			MaxAttempts: c.Auth.MaxAttempts,
			Timeout:     c.Auth.Timeout,
			RetryDelay:  c.Auth.RetryDelay,
		}),
	}, nil
}
