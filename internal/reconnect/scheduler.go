package reconnect

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/rickgao/sessionlink/internal/clock"
)

// Backoff defaults.
const (
	DefaultBaseInterval = 3 * time.Second
	DefaultMaxInterval  = 30 * time.Second
	DefaultMaxAttempts  = 5
	BackoffMultiplier   = 1.5
)

// Errors
var (
	ErrExhausted        = errors.New("reconnect attempts exhausted")
	ErrAlreadyScheduled = errors.New("reconnect already scheduled")
)

// Policy configures the backoff.
type Policy struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxAttempts  int
}

// DefaultPolicy returns the default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Delay returns the wait before attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseInterval) * math.Pow(BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxInterval) || math.IsInf(d, 1) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// State is a point-in-time view of the scheduler counters.
type State struct {
	Attempts    int
	MaxAttempts int
	SeriesCount int
	InProgress  bool
	Pending     bool          // a retry timer is armed
	NextDelay   time.Duration // delay of the pending retry, 0 if none
}

// Decision is the outcome of Schedule.
type Decision struct {
	Attempt int
	Delay   time.Duration
}

// Scheduler tracks reconnect counters and arms the retry timer.
//
// Scheduler is not safe for concurrent use; it is owned by the connection
// manager's run loop, which also serializes the timer callbacks.
type Scheduler struct {
	policy Policy
	clock  clock.Clock
	logger *slog.Logger

	attempts   int
	series     int
	inProgress bool
	timer      clock.Timer
	gen        uint64 // bumped on every arm and cancel; stale callbacks no-op
	nextDelay  time.Duration
}

// New creates a Scheduler.
func New(policy Policy, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if policy.BaseInterval <= 0 {
		policy.BaseInterval = DefaultBaseInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultMaxInterval
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{policy: policy, clock: clk, logger: logger}
}

// SetPolicy replaces the policy. Counters are kept.
func (s *Scheduler) SetPolicy(policy Policy) {
	if policy.BaseInterval <= 0 {
		policy.BaseInterval = DefaultBaseInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = DefaultMaxInterval
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	s.policy = policy
}

// Exhausted reports whether no further automatic attempt is allowed.
func (s *Scheduler) Exhausted() bool {
	return s.attempts >= s.policy.MaxAttempts
}

// Schedule arms a timer that calls fire after the next backoff delay. It
// returns ErrExhausted when attempts reached the maximum and
// ErrAlreadyScheduled when a retry is already pending.
func (s *Scheduler) Schedule(fire func()) (Decision, error) {
	if s.timer != nil {
		return Decision{}, ErrAlreadyScheduled
	}
	if s.Exhausted() {
		s.inProgress = false
		s.logger.Warn("reconnect attempts exhausted",
			"attempts", s.attempts,
			"max_attempts", s.policy.MaxAttempts,
			"series", s.series,
		)
		return Decision{Attempt: s.attempts}, ErrExhausted
	}

	if !s.inProgress {
		s.inProgress = true
		s.series++
	}
	s.attempts++
	delay := s.policy.Delay(s.attempts)
	s.nextDelay = delay

	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(delay, func() {
		if gen != s.gen {
			return
		}
		s.timer = nil
		s.nextDelay = 0
		fire()
	})

	s.logger.Info("reconnect scheduled",
		"attempt", s.attempts,
		"max_attempts", s.policy.MaxAttempts,
		"delay", delay,
		"series", s.series,
	)

	return Decision{Attempt: s.attempts, Delay: delay}, nil
}

// Cancel stops a pending retry timer. Counters are kept.
func (s *Scheduler) Cancel() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextDelay = 0
}

// Succeeded records an established connection: attempts go back to zero and
// the current series ends.
func (s *Scheduler) Succeeded() {
	s.Cancel()
	s.attempts = 0
	s.inProgress = false
}

// Reset cancels any pending retry and zeroes the attempt counter. The series
// counter is kept.
func (s *Scheduler) Reset() {
	s.Cancel()
	s.attempts = 0
	s.inProgress = false
}

// State returns the current counters.
func (s *Scheduler) State() State {
	return State{
		Attempts:    s.attempts,
		MaxAttempts: s.policy.MaxAttempts,
		SeriesCount: s.series,
		InProgress:  s.inProgress,
		Pending:     s.timer != nil,
		NextDelay:   s.nextDelay,
	}
}
