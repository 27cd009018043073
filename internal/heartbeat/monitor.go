package heartbeat

import (
	"log/slog"
	"time"

	"github.com/rickgao/sessionlink/internal/clock"
	"github.com/rickgao/sessionlink/internal/envelope"
)

// Heartbeat defaults.
const (
	DefaultInterval  = 30 * time.Second
	DefaultMaxMissed = 3
)

// Config configures the monitor.
type Config struct {
	Interval  time.Duration
	MaxMissed int // 0 disables dead detection
}

// DefaultConfig returns the default heartbeat configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  DefaultInterval,
		MaxMissed: DefaultMaxMissed,
	}
}

// Stats contains heartbeat statistics.
type Stats struct {
	Running      bool
	LastPingTime time.Time
	LastPongTime time.Time
	LastLatency  time.Duration
	Missed       int
	ProbesSent   int64
}

// SendFunc transmits a probe envelope.
type SendFunc func(env envelope.Envelope) error

// Monitor sends periodic probes and measures round-trip latency.
//
// Monitor is not safe for concurrent use; the connection manager calls it
// from its run loop and delivers timer callbacks there as well.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	send   SendFunc
	logger *slog.Logger

	onLatency func(time.Duration)
	onDead    func(missed int)

	running   bool
	timer     clock.Timer
	gen       uint64
	pendingID string
	hasPend   bool

	lastPing   time.Time
	lastPong   time.Time
	latency    time.Duration
	missed     int
	probesSent int64
}

// New creates a Monitor. send is called for every probe.
func New(cfg Config, clk clock.Clock, send SendFunc, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxMissed < 0 {
		cfg.MaxMissed = 0
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, clock: clk, send: send, logger: logger}
}

// OnLatency sets the callback receiving each measured round-trip time.
func (m *Monitor) OnLatency(fn func(time.Duration)) {
	m.onLatency = fn
}

// OnDead sets the callback fired when MaxMissed probes go unanswered.
func (m *Monitor) OnDead(fn func(missed int)) {
	m.onDead = fn
}

// Start begins probing. The first probe goes out after one interval.
func (m *Monitor) Start() {
	if m.running {
		return
	}
	m.running = true
	m.missed = 0
	m.hasPend = false
	m.arm()
}

// Stop cancels the probe timer.
func (m *Monitor) Stop() {
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.hasPend = false
}

// Running reports whether probing is active.
func (m *Monitor) Running() bool {
	return m.running
}

// Pong handles a pong envelope. Returns true when it matched the outstanding
// probe.
func (m *Monitor) Pong(requestID string) bool {
	now := m.clock.Now()
	m.lastPong = now

	if !m.hasPend || requestID != m.pendingID {
		// Late pong for an earlier probe.
		return false
	}

	m.latency = now.Sub(m.lastPing)
	m.hasPend = false
	m.missed = 0

	if m.onLatency != nil {
		m.onLatency(m.latency)
	}
	return true
}

// Stats returns the current heartbeat statistics.
func (m *Monitor) Stats() Stats {
	return Stats{
		Running:      m.running,
		LastPingTime: m.lastPing,
		LastPongTime: m.lastPong,
		LastLatency:  m.latency,
		Missed:       m.missed,
		ProbesSent:   m.probesSent,
	}
}

func (m *Monitor) arm() {
	m.gen++
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.cfg.Interval, func() {
		if gen != m.gen || !m.running {
			return
		}
		m.timer = nil
		m.tick()
	})
}

func (m *Monitor) tick() {
	if m.hasPend {
		m.missed++
		m.hasPend = false
		m.logger.Debug("heartbeat missed",
			"missed", m.missed,
			"max_missed", m.cfg.MaxMissed,
		)

		if m.cfg.MaxMissed > 0 && m.missed >= m.cfg.MaxMissed {
			m.logger.Warn("heartbeat lost, connection considered dead",
				"missed", m.missed,
				"last_pong", m.lastPong,
			)
			missed := m.missed
			m.Stop()
			if m.onDead != nil {
				m.onDead(missed)
			}
			return
		}
	}

	m.probe()
	m.arm()
}

func (m *Monitor) probe() {
	env := envelope.New(envelope.TypePing, nil)

	m.pendingID = env.RequestID
	m.hasPend = true
	m.lastPing = m.clock.Now()
	m.probesSent++

	if err := m.send(env); err != nil {
		// The missed-probe accounting on the next tick covers this.
		m.logger.Debug("failed to send heartbeat", "error", err)
	}
}
