package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/sessionlink/internal/auth"
	"github.com/rickgao/sessionlink/internal/clock"
	"github.com/rickgao/sessionlink/internal/envelope"
	"github.com/rickgao/sessionlink/internal/heartbeat"
	"github.com/rickgao/sessionlink/internal/queue"
	"github.com/rickgao/sessionlink/internal/reconnect"
)

const (
	actionBuffer     = 64
	authPollInterval = 25 * time.Millisecond
)

var errEncode = errors.New("encode envelope")

// Manager owns one logical session with the server: connection lifecycle,
// reconnect series, authentication, heartbeats and the outbound queue.
//
// All session state is owned by a single run-loop goroutine. Public methods
// post closures to it; timer callbacks and transport events are posted the
// same way, so no two mutations ever run concurrently.
type Manager struct {
	logger        *slog.Logger
	clock         clock.Clock
	loopClock     clock.Clock
	codec         envelope.Codec
	newClient     ClientFactory
	flushInterval time.Duration
	queueCap      int
	dedupWindow   time.Duration
	readLimit     int64
	authCfg       auth.Config

	actions   chan func()
	done      chan struct{}
	destroyed atomic.Bool

	// Owned by the run loop.
	cfg        SessionConfig
	hasConfig  bool
	state      State
	epoch      uint64 // bumped whenever a live connection is torn down
	attempt    *dialAttempt
	conn       *liveConn
	waiters    []chan error
	destroying bool
	scheduler  *reconnect.Scheduler
	auth       *auth.Controller
	heartbeat  *heartbeat.Monitor
	flushing   bool
	flushTimer clock.Timer
	flushGen   uint64
	stats      ConnectionStats

	// Safe for concurrent use.
	queue   *queue.MessageQueue
	pending *queue.PendingSet

	snapMu    sync.RWMutex
	snapInfo  ConnectionInfo
	snapStats ConnectionStats

	states   *hub[StateChange]
	messages *hub[envelope.Envelope]
	statsHub *hub[ConnectionStats]
}

type dialAttempt struct {
	client Client
	cancel context.CancelFunc
}

type liveConn struct {
	client Client
	stop   chan struct{}
}

// NewManager creates a Manager and starts its run loop. Call Destroy to
// release it.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:        slog.Default(),
		clock:         clock.Real(),
		codec:         envelope.JSONCodec{},
		newClient:     NewClient,
		flushInterval: DefaultFlushInterval,
		queueCap:      queue.DefaultCapacity,
		dedupWindow:   queue.DefaultGraceWindow,
		readLimit:     DefaultClientConfig().ReadLimit,
		authCfg:       auth.DefaultConfig(),
		actions:       make(chan func(), actionBuffer),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.loopClock = loopClock{m: m}
	m.queue = queue.New(m.queueCap)
	m.pending = queue.NewPendingSet(m.dedupWindow)
	m.pending.SetNow(m.clock.Now)
	m.scheduler = reconnect.New(reconnect.DefaultPolicy(), m.loopClock, m.logger.With("component", "reconnect"))
	m.auth = m.newAuth("")
	m.heartbeat = m.newHeartbeat(DefaultSessionConfig(""))

	m.states = newHub[StateChange]("state", m.logger)
	m.messages = newHub[envelope.Envelope]("messages", m.logger)
	m.statsHub = newHub[ConnectionStats]("stats", m.logger)

	m.refreshSnapshot()
	go m.run()
	return m
}

// Connect opens the session described by cfg. It returns nil once the
// transport is OPEN, or the error of the attempt it started; a failed
// attempt still leaves the automatic reconnect series running. Connect is
// idempotent while an attempt or reconnect series is in progress, and a
// fresh Connect from FAILED or MANUAL_RETRY_REQUIRED resets the session
// first.
func (m *Manager) Connect(ctx context.Context, cfg SessionConfig) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	var wait <-chan error
	if err := m.do(func() { wait = m.connectLocked(cfg) }); err != nil {
		return err
	}
	return m.await(ctx, wait)
}

// ManualReconnect cancels any pending retry, resets all counters and starts
// exactly one new connection attempt with the last session config.
func (m *Manager) ManualReconnect(ctx context.Context) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}

	var wait <-chan error
	err := m.do(func() {
		if !m.hasConfig {
			ch := make(chan error, 1)
			ch <- ErrNoSession
			wait = ch
			return
		}
		m.logger.Info("manual reconnect requested", "state", m.state.String())
		m.fullReset()
		wait = m.connectLocked(m.cfg)
	})
	if err != nil {
		return err
	}
	return m.await(ctx, wait)
}

// Disconnect closes the session intentionally. No reconnect is scheduled and
// queued messages are kept for the next Connect.
func (m *Manager) Disconnect() error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	return m.do(func() {
		if m.state == StateOpen {
			m.setState(StateClosing, nil)
		}
		m.logger.Info("disconnecting", "queued", m.queue.Len())
		m.fullReset()
	})
}

// Send transmits env with the given priority, or queues it when the session
// is not ready. It never blocks on the network and returns the request id.
// Sending an id that was transmitted within the dedup window or is already
// queued returns ErrDuplicate. Queue overflow is logged, not returned.
func (m *Manager) Send(env envelope.Envelope, priority envelope.Priority) (string, error) {
	if m.destroyed.Load() {
		return "", ErrDestroyed
	}
	if env.Type == "" {
		return "", envelope.ErrMissingType
	}
	if !priority.Valid() {
		return "", fmt.Errorf("%w: priority %d", queue.ErrInvalid, priority)
	}
	if env.RequestID == "" {
		env.RequestID = envelope.NewRequestID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = m.clock.Now().UTC()
	}
	env = env.WithPriority(priority)

	var sendErr error
	if err := m.do(func() { sendErr = m.sendLocked(env, priority) }); err != nil {
		return "", err
	}
	return env.RequestID, sendErr
}

// WaitForAuthentication blocks until the current connection is
// authenticated, authentication fails, or ctx ends.
func (m *Manager) WaitForAuthentication(ctx context.Context) error {
	ticker := time.NewTicker(authPollInterval)
	defer ticker.Stop()

	for {
		if m.destroyed.Load() {
			return ErrDestroyed
		}
		info := m.Info()
		switch {
		case info.Authenticated:
			return nil
		case info.AuthStatus == auth.StatusFailed:
			if info.AuthError != nil {
				return info.AuthError
			}
			return ErrAuthentication
		case info.State == StateManualRetryRequired:
			return ErrManualRetryRequired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Destroy tears the session down permanently. Pending timers become no-ops,
// subscriber channels are closed and every later call returns ErrDestroyed.
func (m *Manager) Destroy() {
	if m.destroyed.Swap(true) {
		<-m.done
		return
	}

	_ = m.do(func() {
		m.destroying = true
		m.resolveWaiters(ErrDestroyed)
		m.fullReset()
		m.queue.Clear()
	})
	<-m.done

	m.states.Close()
	m.messages.Close()
	m.statsHub.Close()
	m.logger.Info("connection manager destroyed")
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.Info().State
}

// Info returns a diagnostic snapshot.
func (m *Manager) Info() ConnectionInfo {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapInfo
}

// Stats returns the session counters.
func (m *Manager) Stats() ConnectionStats {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapStats
}

// QueueStats returns outbound queue counters.
func (m *Manager) QueueStats() queue.QueueStats {
	return m.queue.Stats()
}

// SubscribeState streams state transitions.
func (m *Manager) SubscribeState(buffer int) (<-chan StateChange, func()) {
	return m.states.Subscribe(buffer)
}

// SubscribeMessages streams inbound application messages. Heartbeat and
// handshake traffic is consumed internally.
func (m *Manager) SubscribeMessages(buffer int) (<-chan envelope.Envelope, func()) {
	return m.messages.Subscribe(buffer)
}

// SubscribeStats streams ConnectionStats whenever they change.
func (m *Manager) SubscribeStats(buffer int) (<-chan ConnectionStats, func()) {
	return m.statsHub.Subscribe(buffer)
}

// =============================================================================
// Run loop
// =============================================================================

func (m *Manager) run() {
	defer close(m.done)
	for {
		fn := <-m.actions
		fn()
		m.refreshSnapshot()
		if m.destroying {
			return
		}
	}
}

// post hands fn to the run loop. Returns false once the loop has exited.
// Never call post from inside the loop.
func (m *Manager) post(fn func()) bool {
	select {
	case m.actions <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the run loop and waits for it.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrDestroyed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrDestroyed
		}
	}
}

func (m *Manager) await(ctx context.Context, wait <-chan error) error {
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-wait:
			return err
		default:
			return ErrDestroyed
		}
	}
}

// loopClock delivers timer callbacks on the run loop and drops them once the
// manager is destroyed.
type loopClock struct {
	m *Manager
}

func (c loopClock) Now() time.Time { return c.m.clock.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.m.clock.AfterFunc(d, func() {
		if c.m.destroyed.Load() {
			return
		}
		c.m.post(f)
	})
}

// =============================================================================
// Lifecycle (run loop only)
// =============================================================================

func (m *Manager) connectLocked(cfg SessionConfig) <-chan error {
	wait := make(chan error, 1)
	if m.destroying {
		wait <- ErrDestroyed
		return wait
	}

	switch m.state {
	case StateOpen:
		wait <- nil
		return wait
	case StateConnecting, StateReconnecting:
		m.logger.Debug("connect joined attempt in progress", "state", m.state.String())
		m.waiters = append(m.waiters, wait)
		return wait
	case StateFailed, StateManualRetryRequired:
		m.logger.Info("connect from terminal state, resetting", "state", m.state.String())
		m.fullReset()
	}

	m.applyConfig(cfg)
	m.waiters = append(m.waiters, wait)
	m.startAttempt()
	return wait
}

func (m *Manager) applyConfig(cfg SessionConfig) {
	m.cfg = cfg
	m.hasConfig = true
	m.scheduler.SetPolicy(reconnect.Policy{
		BaseInterval: cfg.ReconnectInterval,
		MaxInterval:  reconnect.DefaultMaxInterval,
		MaxAttempts:  cfg.MaxReconnectAttempts,
	})
	m.heartbeat.Stop()
	m.heartbeat = m.newHeartbeat(cfg)
}

func (m *Manager) startAttempt() {
	m.setState(StateConnecting, nil)

	timeout := m.cfg.ConnectionTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c := m.newClient(ClientConfig{
		URL:              m.cfg.URL,
		Header:           m.cfg.Header,
		HandshakeTimeout: timeout,
		WriteTimeout:     DefaultClientConfig().WriteTimeout,
		BufferSize:       DefaultClientConfig().BufferSize,
		ReadLimit:        m.readLimit,
	}, m.logger.With("component", "transport"))

	att := &dialAttempt{client: c, cancel: cancel}
	m.attempt = att

	m.logger.Info("connecting",
		"url", m.cfg.URL,
		"attempt", m.scheduler.State().Attempts,
		"timeout", timeout,
	)

	go func() {
		err := c.Connect(ctx)
		if err != nil {
			err = dialError(ctx, err, timeout)
		}
		cancel()
		if !m.post(func() { m.attemptDone(att, err) }) && err == nil {
			c.Close(websocket.CloseGoingAway, "shutting down")
		}
	}()
}

// dialError classifies a failed dial as a timeout or a transport error.
func dialError(ctx context.Context, err error, timeout time.Duration) error {
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
	}
	if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, context.Canceled) {
		return err
	}
	return &TransportError{Code: websocket.CloseAbnormalClosure, Err: err}
}

func (m *Manager) attemptDone(att *dialAttempt, err error) {
	if m.attempt != att {
		// Superseded by a reset, disconnect or destroy.
		if err == nil {
			att.client.Close(websocket.CloseNormalClosure, "superseded")
		}
		return
	}
	m.attempt = nil

	if err != nil {
		m.logger.Warn("connection attempt failed",
			"url", m.cfg.URL,
			"attempt", m.scheduler.State().Attempts,
			"error", err,
		)
		m.setState(StateFailed, err)
		m.resolveWaiters(err)
		m.scheduleReconnect(err)
		return
	}
	m.opened(att.client)
}

func (m *Manager) opened(c Client) {
	reconnected := m.scheduler.State().InProgress
	m.scheduler.Succeeded()

	stop := make(chan struct{})
	m.conn = &liveConn{client: c, stop: stop}
	m.stats.Connected = true
	m.stats.LastConnected = m.clock.Now()
	if reconnected {
		m.stats.ReconnectCount++
	}

	m.setState(StateOpen, nil)
	m.logger.Info("connected",
		"url", m.cfg.URL,
		"reconnected", reconnected,
		"queued", m.queue.Len(),
	)

	go m.pump(m.epoch, c, stop)

	m.auth.Reset()
	m.auth = m.newAuth(m.cfg.AuthToken)
	m.heartbeat.Start()
	m.resolveWaiters(nil)
	m.auth.Begin()
}

// pump forwards transport events of one connection into the run loop.
func (m *Manager) pump(epoch uint64, c Client, stop <-chan struct{}) {
	for {
		select {
		case msg := <-c.Messages():
			if !m.post(func() { m.inbound(epoch, msg) }) {
				return
			}
		case err := <-c.Errors():
			// readLoop queues every frame before reporting the close, so
			// whatever is buffered now arrived first.
			for drained := false; !drained; {
				select {
				case msg := <-c.Messages():
					if !m.post(func() { m.inbound(epoch, msg) }) {
						return
					}
				default:
					drained = true
				}
			}
			m.post(func() { m.transportClosed(epoch, err) })
			return
		case <-stop:
			return
		case <-m.done:
			return
		}
	}
}

func (m *Manager) inbound(epoch uint64, msg TimestampedMessage) {
	if epoch != m.epoch || m.conn == nil {
		return
	}

	env, err := m.codec.Unmarshal(msg.Data)
	if err != nil {
		m.logger.Warn("dropping undecodable message",
			"codec", m.codec.Name(),
			"size", len(msg.Data),
			"error", err,
		)
		return
	}
	m.stats.MessagesReceived++

	switch env.Type {
	case envelope.TypePong:
		m.heartbeat.Pong(env.RequestID)
		return
	case envelope.TypePing:
		pong := envelope.Envelope{
			Type:      envelope.TypePong,
			RequestID: env.RequestID,
			Timestamp: m.clock.Now().UTC(),
		}
		if err := m.transmit(pong); err != nil {
			m.logger.Debug("failed to answer ping", "error", err)
		}
		return
	case envelope.TypeAuthRequired:
		m.auth.HandleRequest()
		return
	case envelope.TypeAuthSuccess, envelope.TypeAuthFailure:
		m.auth.HandleResponse(env)
		return
	case envelope.TypeConnectionEstablished:
		if id := env.StringField("client_id"); id != "" {
			m.stats.ClientID = id
		}
	}

	m.messages.Publish(env)
}

func (m *Manager) transportClosed(epoch uint64, err error) {
	if epoch != m.epoch || m.conn == nil {
		return
	}

	var te *TransportError
	if errors.As(err, &te) && te.Normal() {
		m.logger.Info("server closed the connection", "code", te.Code)
		m.teardown(websocket.CloseNormalClosure, "")
		m.setState(StateClosed, err)
		return
	}
	m.connectionLost(err, websocket.CloseGoingAway)
}

func (m *Manager) connectionLost(err error, code int) {
	m.logger.Warn("connection lost", "error", err)
	m.teardown(code, "connection lost")
	m.scheduleReconnect(err)
}

func (m *Manager) scheduleReconnect(cause error) {
	if m.destroying || m.attempt != nil {
		return
	}

	epoch := m.epoch
	d, err := m.scheduler.Schedule(func() { m.reconnectDue(epoch) })
	switch {
	case errors.Is(err, reconnect.ErrAlreadyScheduled):
		return
	case errors.Is(err, reconnect.ErrExhausted):
		m.setState(StateManualRetryRequired, fmt.Errorf("%w (last error: %v)", ErrManualRetryRequired, cause))
		m.resolveWaiters(ErrManualRetryRequired)
		return
	case err != nil:
		m.logger.Error("failed to schedule reconnect", "error", err)
		return
	}

	m.setState(StateReconnecting, cause)
	m.logger.Info("reconnecting",
		"attempt", d.Attempt,
		"delay", d.Delay,
	)
}

func (m *Manager) reconnectDue(epoch uint64) {
	if m.destroying || epoch != m.epoch || m.attempt != nil || m.conn != nil {
		return
	}
	if m.state != StateReconnecting {
		return
	}
	m.startAttempt()
}

// teardown closes the live connection, if any, and stops everything bound
// to it. Late events from that connection are ignored afterwards.
func (m *Manager) teardown(code int, reason string) {
	m.epoch++
	m.stopFlush()
	m.heartbeat.Stop()
	m.auth.Reset()

	if m.conn != nil {
		close(m.conn.stop)
		if err := m.conn.client.Close(code, reason); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
		m.conn = nil
	}
	m.stats.Connected = false
}

func (m *Manager) cancelAttempt() {
	if m.attempt == nil {
		return
	}
	m.attempt.cancel()
	m.attempt = nil
}

// fullReset cancels every timer and attempt, closes the transport and
// returns to CLOSED with zeroed reconnect counters. The queue is kept.
func (m *Manager) fullReset() {
	m.cancelAttempt()
	m.scheduler.Reset()
	m.teardown(websocket.CloseNormalClosure, "")
	m.pending.Clear()
	m.resolveWaiters(ErrDisconnected)
	m.setState(StateClosed, nil)
}

func (m *Manager) setState(to State, cause error) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to

	m.logger.Info("connection state changed",
		"from", from.String(),
		"to", to.String(),
	)
	m.states.Publish(StateChange{
		From: from,
		To:   to,
		At:   m.clock.Now(),
		Err:  cause,
	})
}

func (m *Manager) resolveWaiters(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) refreshSnapshot() {
	st := m.scheduler.State()
	sess := m.auth.Session()
	m.stats.SeriesCount = st.SeriesCount

	info := ConnectionInfo{
		State:          m.state,
		Attempts:       st.Attempts,
		MaxAttempts:    st.MaxAttempts,
		SeriesCount:    st.SeriesCount,
		InProgress:     m.attempt != nil || st.InProgress,
		Authenticated:  m.state == StateOpen && sess.Status == auth.StatusAuthenticated,
		AuthStatus:     sess.Status,
		AuthError:      sess.LastError,
		QueueLength:    m.queue.Len(),
		NextRetryDelay: st.NextDelay,
	}
	stats := m.stats

	m.snapMu.Lock()
	changed := stats != m.snapStats
	m.snapInfo = info
	m.snapStats = stats
	m.snapMu.Unlock()

	if changed {
		m.statsHub.Publish(stats)
	}
}

// =============================================================================
// Authentication and heartbeat wiring
// =============================================================================

func (m *Manager) newAuth(token string) *auth.Controller {
	cfg := m.authCfg
	cfg.Token = token
	c := auth.New(cfg, m.loopClock, m.transmit, m.logger.With("component", "auth"))
	c.OnSuccess(m.authenticated)
	c.OnFailure(func(err error) {
		m.logger.Error("authentication failed, transport stays open",
			"queued", m.queue.Len(),
			"error", err,
		)
	})
	return c
}

func (m *Manager) authenticated(id auth.Identity) {
	if id.ClientID != "" {
		m.stats.ClientID = id.ClientID
	}
	if id.UserID != "" {
		m.stats.UserID = id.UserID
	}
	m.startFlush()
}

func (m *Manager) newHeartbeat(cfg SessionConfig) *heartbeat.Monitor {
	maxMissed := cfg.MaxMissedHeartbeats
	if maxMissed < 0 {
		maxMissed = 0
	}
	hb := heartbeat.New(heartbeat.Config{
		Interval:  cfg.HeartbeatInterval,
		MaxMissed: maxMissed,
	}, m.loopClock, m.transmit, m.logger.With("component", "heartbeat"))

	hb.OnLatency(func(d time.Duration) {
		m.stats.Latency = d
	})
	hb.OnDead(func(missed int) {
		m.connectionLost(&TransportError{
			Code: CloseHeartbeatTimeout,
			Err:  fmt.Errorf("%d heartbeats unanswered", missed),
		}, CloseHeartbeatTimeout)
	})
	return hb
}

// =============================================================================
// Outbound path (run loop only)
// =============================================================================

func (m *Manager) canTransmit() bool {
	return m.state == StateOpen && m.conn != nil && m.auth.Authenticated()
}

func (m *Manager) sendLocked(env envelope.Envelope, priority envelope.Priority) error {
	id := env.RequestID
	if m.pending.Contains(id) || m.queue.Contains(id) {
		m.logger.Debug("duplicate send ignored", "request_id", id)
		return ErrDuplicate
	}

	if m.canTransmit() && !m.flushing && m.queue.Len() == 0 {
		m.pending.Add(id)
		err := m.transmit(env)
		if err == nil {
			return nil
		}
		m.pending.Remove(id)
		if errors.Is(err, errEncode) {
			return err
		}
		m.logger.Warn("send failed, queueing message",
			"request_id", id,
			"error", err,
		)
	}

	return m.enqueue(queue.Message{
		ID:         id,
		Envelope:   env,
		Priority:   priority,
		EnqueuedAt: m.clock.Now(),
	})
}

func (m *Manager) enqueue(msg queue.Message) error {
	evicted, err := m.queue.Enqueue(msg)
	switch {
	case errors.Is(err, queue.ErrQueueOverflow):
		if evicted.ID == msg.ID {
			m.logger.Warn("message queue full, dropped incoming message",
				"request_id", msg.ID,
				"priority", msg.Priority.String(),
				"capacity", m.queue.Cap(),
			)
		} else {
			m.logger.Warn("message queue full, evicted message",
				"evicted_id", evicted.ID,
				"evicted_priority", evicted.Priority.String(),
				"capacity", m.queue.Cap(),
			)
		}
	case errors.Is(err, queue.ErrDuplicate):
		return ErrDuplicate
	case err != nil:
		return err
	default:
		m.logger.Debug("message queued",
			"request_id", msg.ID,
			"priority", msg.Priority.String(),
			"queued", m.queue.Len(),
		)
	}

	if m.canTransmit() {
		m.startFlush()
	}
	return nil
}

// transmit encodes and writes env on the live connection.
func (m *Manager) transmit(env envelope.Envelope) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if !env.IsSystem() && env.AuthToken == "" {
		env.AuthToken = m.cfg.AuthToken
	}

	data, err := m.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", errEncode, err)
	}
	if err := m.conn.client.Send(m.codec.FrameType(), data); err != nil {
		return err
	}
	m.stats.MessagesSent++
	return nil
}

func (m *Manager) startFlush() {
	if m.flushing || m.queue.Len() == 0 {
		return
	}
	m.flushing = true
	m.logger.Info("flushing queued messages", "count", m.queue.Len())
	m.flushNext()
}

// flushNext transmits the head of the queue and spaces the next one by the
// flush interval.
func (m *Manager) flushNext() {
	for {
		if !m.canTransmit() {
			m.stopFlush()
			return
		}
		msg, ok := m.queue.Pop()
		if !ok {
			m.stopFlush()
			return
		}
		if !m.pending.Add(msg.ID) {
			m.logger.Debug("skipping recently sent message", "request_id", msg.ID)
			continue
		}

		err := m.transmit(msg.Envelope)
		if err == nil {
			break
		}
		m.pending.Remove(msg.ID)
		if errors.Is(err, errEncode) {
			m.logger.Error("dropping unencodable message", "request_id", msg.ID, "error", err)
			continue
		}
		if m.queue.Requeue(msg) {
			m.logger.Warn("flush failed, message requeued",
				"request_id", msg.ID,
				"priority", msg.Priority.String(),
				"error", err,
			)
		} else {
			m.logger.Warn("flush failed, message dropped",
				"request_id", msg.ID,
				"priority", msg.Priority.String(),
				"error", err,
			)
		}
		m.stopFlush()
		return
	}

	if m.queue.Len() == 0 {
		m.stopFlush()
		return
	}

	gen := m.flushGen
	m.flushTimer = m.loopClock.AfterFunc(m.flushInterval, func() {
		if gen != m.flushGen {
			return
		}
		m.flushTimer = nil
		m.flushNext()
	})
}

func (m *Manager) stopFlush() {
	m.flushing = false
	m.flushGen++
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
}
