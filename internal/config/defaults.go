package config

import (
	"time"

	"github.com/rickgao/sessionlink/internal/auth"
	"github.com/rickgao/sessionlink/internal/connection"
	"github.com/rickgao/sessionlink/internal/heartbeat"
	"github.com/rickgao/sessionlink/internal/queue"
	"github.com/rickgao/sessionlink/internal/reconnect"
)

// Default values for optional configuration fields.
const (
	DefaultCodec                = "json"
	DefaultMaxReconnectAttempts = reconnect.DefaultMaxAttempts
	DefaultReconnectInterval    = reconnect.DefaultBaseInterval
	DefaultHeartbeatInterval    = heartbeat.DefaultInterval
	DefaultMaxMissedHeartbeats  = heartbeat.DefaultMaxMissed
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultReadLimit            = 1 << 20
	DefaultAuthMaxAttempts      = auth.DefaultMaxAttempts
	DefaultAuthTimeout          = auth.DefaultTimeout
	DefaultAuthRetryDelay       = auth.DefaultRetryDelay
	DefaultQueueCapacity        = queue.DefaultCapacity
	DefaultFlushInterval        = connection.DefaultFlushInterval
	DefaultDedupWindow          = queue.DefaultGraceWindow
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *LinkConfig) applyDefaults() {
	// Session defaults
	if c.Session.Codec == "" {
		c.Session.Codec = DefaultCodec
	}
	if c.Session.MaxReconnectAttempts == 0 {
		c.Session.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Session.ReconnectInterval == 0 {
		c.Session.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.MaxMissedHeartbeats == 0 {
		c.Session.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.Session.ConnectionTimeout == 0 {
		c.Session.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.Session.ReadLimit == 0 {
		c.Session.ReadLimit = DefaultReadLimit
	}

	// Auth defaults
	if c.Auth.MaxAttempts == 0 {
		c.Auth.MaxAttempts = DefaultAuthMaxAttempts
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultAuthTimeout
	}
	if c.Auth.RetryDelay == 0 {
		c.Auth.RetryDelay = DefaultAuthRetryDelay
	}

	// Queue defaults
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.FlushInterval == 0 {
		c.Queue.FlushInterval = DefaultFlushInterval
	}
	if c.Queue.DedupWindow == 0 {
		c.Queue.DedupWindow = DefaultDedupWindow
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
