package connection

import (
	"log/slog"
	"time"

	"github.com/rickgao/sessionlink/internal/auth"
	"github.com/rickgao/sessionlink/internal/clock"
	"github.com/rickgao/sessionlink/internal/envelope"
)

// DefaultFlushInterval is the spacing between queued transmissions.
const DefaultFlushInterval = 50 * time.Millisecond

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the time source used for every timer the manager arms.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithCodec sets the envelope codec. Defaults to JSON.
func WithCodec(codec envelope.Codec) Option {
	return func(m *Manager) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// WithClientFactory replaces the WebSocket client constructor.
func WithClientFactory(factory ClientFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.newClient = factory
		}
	}
}

// WithQueueCapacity sets the outbound queue capacity.
func WithQueueCapacity(capacity int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.queueCap = capacity
		}
	}
}

// WithFlushInterval sets the spacing between queued transmissions.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithDedupWindow sets how long a transmitted request id is blocked from
// being sent again.
func WithDedupWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dedupWindow = d
		}
	}
}

// WithAuthConfig sets handshake attempts, timeout and retry delay. The token
// always comes from SessionConfig.
func WithAuthConfig(cfg auth.Config) Option {
	return func(m *Manager) {
		m.authCfg = cfg
	}
}

// WithReadLimit sets the maximum inbound frame size.
func WithReadLimit(limit int64) Option {
	return func(m *Manager) {
		m.readLimit = limit
	}
}
