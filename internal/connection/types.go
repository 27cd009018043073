package connection

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sessionlink/internal/auth"
	"github.com/rickgao/sessionlink/internal/heartbeat"
	"github.com/rickgao/sessionlink/internal/queue"
	"github.com/rickgao/sessionlink/internal/reconnect"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrConnectTimeout      = errors.New("connect timeout")
	ErrDisconnected        = errors.New("disconnected before the connection opened")
	ErrManualRetryRequired = errors.New("reconnect attempts exhausted, manual retry required")
	ErrDestroyed           = errors.New("connection manager destroyed")
	ErrNoSession           = errors.New("no session configured, call Connect first")
	ErrDuplicate           = errors.New("request id already sent or queued")
	ErrInvalidConfig       = errors.New("invalid session config")

	// Re-exported so callers only need this package.
	ErrAuthentication = auth.ErrAuthentication
	ErrQueueOverflow  = queue.ErrQueueOverflow
)

// Close codes used by the manager.
const (
	CloseHeartbeatTimeout = 4000
)

// TransportError reports an unexpected end of the transport.
type TransportError struct {
	Code int   // WebSocket close code (1006 when no close frame was received)
	Err  error // underlying cause
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport closed (code %d)", e.Code)
	}
	return fmt.Sprintf("transport closed (code %d): %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Normal reports whether the remote side closed intentionally.
func (e *TransportError) Normal() bool {
	return e.Code == websocket.CloseNormalClosure
}

// State is the connection state.
type State uint8

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateFailed
	StateManualRetryRequired
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	case StateManualRetryRequired:
		return "MANUAL_RETRY_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether leaving the state requires a full reset.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateManualRetryRequired
}

// StateChange is published on every state transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
	Err  error // cause of the transition, if any
}

// SessionConfig configures one connect call and the reconnect series that
// follows it.
type SessionConfig struct {
	URL                  string        // ws:// or wss:// address (required)
	AuthToken            string        // required for non-system traffic
	Header               http.Header   // extra handshake headers
	MaxReconnectAttempts int           // default 5, negative disables automatic reconnects
	ReconnectInterval    time.Duration // backoff base, default 3s
	HeartbeatInterval    time.Duration // default 30s
	MaxMissedHeartbeats  int           // default 3, negative disables dead detection
	ConnectionTimeout    time.Duration // default 10s
}

// DefaultSessionConfig returns the default session configuration for url.
func DefaultSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:                  url,
		MaxReconnectAttempts: reconnect.DefaultMaxAttempts,
		ReconnectInterval:    reconnect.DefaultBaseInterval,
		HeartbeatInterval:    heartbeat.DefaultInterval,
		MaxMissedHeartbeats:  heartbeat.DefaultMaxMissed,
		ConnectionTimeout:    10 * time.Second,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig(c.URL)
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MaxMissedHeartbeats == 0 {
		c.MaxMissedHeartbeats = def.MaxMissedHeartbeats
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	return c
}

// Validate checks the config.
func (c SessionConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	return nil
}

// ConnectionStats is a snapshot of session counters. It persists across
// reconnects for the lifetime of the manager.
type ConnectionStats struct {
	Connected        bool
	LastConnected    time.Time
	ReconnectCount   int
	MessagesSent     int64
	MessagesReceived int64
	Latency          time.Duration
	SeriesCount      int
	ClientID         string
	UserID           string
}

// ConnectionInfo is a point-in-time snapshot for diagnostics.
type ConnectionInfo struct {
	State          State
	Attempts       int
	MaxAttempts    int
	SeriesCount    int
	InProgress     bool // a connection attempt or reconnect series is running
	Authenticated  bool
	AuthStatus     auth.Status
	AuthError      error
	QueueLength    int
	NextRetryDelay time.Duration
}

// TimestampedMessage wraps raw frame data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	ReadLimit        int64         // Max frame size, 0 = unlimited
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
		ReadLimit:        1 << 20,
	}
}
