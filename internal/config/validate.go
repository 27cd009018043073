package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *LinkConfig) Validate() error {
	if c.Session.URL == "" {
		return errors.New("session.url is required")
	}
	u, err := url.Parse(c.Session.URL)
	if err != nil {
		return fmt.Errorf("session.url is invalid: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("session.url scheme must be ws or wss, got %q", u.Scheme)
	}

	switch c.Session.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("session.codec must be json or cbor, got %q", c.Session.Codec)
	}

	if c.Session.ReconnectInterval < 0 {
		return errors.New("session.reconnect_interval must be >= 0")
	}
	if c.Session.HeartbeatInterval < 0 {
		return errors.New("session.heartbeat_interval must be >= 0")
	}
	if c.Session.ConnectionTimeout < 0 {
		return errors.New("session.connection_timeout must be >= 0")
	}
	if c.Session.ReadLimit < 0 {
		return errors.New("session.read_limit must be >= 0")
	}

	if c.Auth.MaxAttempts < 1 {
		return errors.New("auth.max_attempts must be >= 1")
	}

	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be >= 1")
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// ParseLogLevel maps a config level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
