package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/sessionlink/internal/clock"
	"github.com/rickgao/sessionlink/internal/envelope"
)

// Handshake defaults.
const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 10 * time.Second
	DefaultRetryDelay  = time.Second
)

// Errors
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNoToken        = errors.New("server requested authentication but no token is configured")
)

// Status is the handshake state of the current connection.
type Status int

const (
	StatusPending Status = iota
	StatusAuthenticated
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAuthenticated:
		return "authenticated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Identity holds the identifiers the server assigned on success.
type Identity struct {
	ClientID  string
	UserID    string
	Anonymous bool
}

// Session is a point-in-time view of the handshake.
type Session struct {
	Status    Status
	Attempts  int
	StartedAt time.Time
	Identity  Identity
	LastError error
}

// Config configures the handshake.
type Config struct {
	Token       string
	MaxAttempts int
	Timeout     time.Duration // wait for a response to one probe
	RetryDelay  time.Duration // pause before re-sending a probe
}

// DefaultConfig returns the default handshake configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
		RetryDelay:  DefaultRetryDelay,
	}
}

// SendFunc transmits a handshake envelope.
type SendFunc func(env envelope.Envelope) error

// Controller runs the handshake for one connection at a time.
//
// Controller is not safe for concurrent use; the connection manager calls it
// from its run loop and delivers timer callbacks there as well.
type Controller struct {
	cfg    Config
	clock  clock.Clock
	send   SendFunc
	logger *slog.Logger

	onSuccess func(Identity)
	onFailure func(error)

	status    Status
	attempts  int
	inFlight  bool
	probeID   string
	startedAt time.Time
	identity  Identity
	lastErr   error

	timer clock.Timer
	gen   uint64
}

// New creates a Controller.
func New(cfg Config, clk clock.Clock, send SendFunc, logger *slog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, clock: clk, send: send, logger: logger}
}

// OnSuccess sets the callback fired when the session becomes authenticated.
func (c *Controller) OnSuccess(fn func(Identity)) {
	c.onSuccess = fn
}

// OnFailure sets the callback fired when all attempts are exhausted.
func (c *Controller) OnFailure(fn func(error)) {
	c.onFailure = fn
}

// Begin starts the handshake proactively after the transport opened.
func (c *Controller) Begin() {
	if c.status != StatusPending || c.inFlight {
		return
	}
	c.startedAt = c.clock.Now()

	if c.cfg.Token == "" {
		c.logger.Debug("no auth token configured, session is anonymous")
		c.succeed(Identity{Anonymous: true})
		return
	}
	c.probe()
}

// HandleRequest handles an auth-required message from the server.
func (c *Controller) HandleRequest() {
	switch c.status {
	case StatusFailed:
		c.logger.Warn("server requested authentication after handshake failed; reconnect required")
		return
	case StatusAuthenticated:
		c.logger.Info("server requested re-authentication")
		c.Reset()
	}

	if c.inFlight {
		return
	}
	if c.startedAt.IsZero() {
		c.startedAt = c.clock.Now()
	}
	if c.cfg.Token == "" {
		c.fail(ErrNoToken)
		return
	}
	c.probe()
}

// HandleResponse consumes auth-success and auth-failure envelopes. Returns
// false for any other message type.
func (c *Controller) HandleResponse(env envelope.Envelope) bool {
	if env.Type != envelope.TypeAuthSuccess && env.Type != envelope.TypeAuthFailure {
		return false
	}
	// Responses echoing an id must answer the outstanding probe.
	if env.RequestID != "" && env.RequestID != c.probeID {
		c.logger.Debug("ignoring stale authentication response",
			"type", env.Type,
			"request_id", env.RequestID,
			"probe_id", c.probeID,
		)
		return true
	}

	switch env.Type {
	case envelope.TypeAuthSuccess:
		if c.status != StatusPending {
			return true
		}
		c.cancelTimer()
		c.inFlight = false
		c.succeed(Identity{
			ClientID: env.StringField("client_id"),
			UserID:   env.StringField("user_id"),
		})
		return true

	case envelope.TypeAuthFailure:
		if c.status != StatusPending {
			return true
		}
		c.cancelTimer()
		c.inFlight = false
		reason := env.StringField("reason")
		if reason == "" {
			reason = env.StringField("message")
		}
		c.lastErr = fmt.Errorf("%w: %s", ErrAuthentication, reason)
		c.logger.Warn("authentication rejected",
			"attempt", c.attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"reason", reason,
		)
		c.retryOrFail()
		return true
	}
	return false
}

// Reset discards the handshake state. Called for every new connection.
func (c *Controller) Reset() {
	c.cancelTimer()
	c.status = StatusPending
	c.attempts = 0
	c.inFlight = false
	c.probeID = ""
	c.startedAt = time.Time{}
	c.identity = Identity{}
	c.lastErr = nil
}

// Authenticated reports whether the handshake succeeded.
func (c *Controller) Authenticated() bool {
	return c.status == StatusAuthenticated
}

// Session returns the current handshake state.
func (c *Controller) Session() Session {
	return Session{
		Status:    c.status,
		Attempts:  c.attempts,
		StartedAt: c.startedAt,
		Identity:  c.identity,
		LastError: c.lastErr,
	}
}

func (c *Controller) probe() {
	c.attempts++
	c.inFlight = true

	env := envelope.New(envelope.TypeAuthenticate, nil)
	env.AuthToken = c.cfg.Token
	c.probeID = env.RequestID

	c.logger.Debug("sending authentication probe",
		"attempt", c.attempts,
		"request_id", env.RequestID,
	)

	if err := c.send(env); err != nil {
		c.logger.Warn("failed to send authentication probe", "error", err)
	}

	c.arm(c.cfg.Timeout, func() {
		c.inFlight = false
		c.probeID = ""
		c.lastErr = fmt.Errorf("%w: no response within %s", ErrAuthentication, c.cfg.Timeout)
		c.logger.Warn("authentication response timed out",
			"attempt", c.attempts,
			"elapsed", c.clock.Now().Sub(c.startedAt),
		)
		c.retryOrFail()
	})
}

func (c *Controller) retryOrFail() {
	if c.attempts >= c.cfg.MaxAttempts {
		err := c.lastErr
		if err == nil {
			err = ErrAuthentication
		}
		c.fail(err)
		return
	}
	c.arm(c.cfg.RetryDelay, c.probe)
}

func (c *Controller) succeed(id Identity) {
	c.status = StatusAuthenticated
	c.identity = id
	c.attempts = 0
	c.lastErr = nil

	c.logger.Info("authenticated",
		"client_id", id.ClientID,
		"user_id", id.UserID,
		"anonymous", id.Anonymous,
	)
	if c.onSuccess != nil {
		c.onSuccess(id)
	}
}

func (c *Controller) fail(err error) {
	c.cancelTimer()
	c.status = StatusFailed
	c.inFlight = false
	if !errors.Is(err, ErrAuthentication) {
		err = fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	c.lastErr = err

	c.logger.Error("authentication failed", "attempts", c.attempts, "error", err)
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *Controller) arm(d time.Duration, fn func()) {
	c.cancelTimer()
	gen := c.gen
	c.timer = c.clock.AfterFunc(d, func() {
		if gen != c.gen {
			return
		}
		c.timer = nil
		fn()
	})
}

func (c *Controller) cancelTimer() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
