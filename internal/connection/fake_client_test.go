package connection

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rickgao/sessionlink/internal/clock"
	"github.com/rickgao/sessionlink/internal/envelope"
)

// fakeTransport hands out fakeClients. Dial outcomes are consumed in order;
// once the script is empty every dial returns fallback.
type fakeTransport struct {
	mu       sync.Mutex
	script   []error
	fallback error
	block    chan struct{} // when set, Connect waits for it to close
	clients  []*fakeClient
}

func (f *fakeTransport) factory(cfg ClientConfig, _ *slog.Logger) Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.fallback
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	c := &fakeClient{
		cfg:      cfg,
		dialErr:  err,
		block:    f.block,
		messages: make(chan TimestampedMessage, 64),
		errors:   make(chan error, 1),
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeTransport) setFallback(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = err
}

func (f *fakeTransport) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeTransport) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[len(f.clients)-1]
}

type fakeClient struct {
	cfg     ClientConfig
	dialErr error
	block   chan struct{}

	messages chan TimestampedMessage
	errors   chan error

	mu        sync.Mutex
	connected bool
	closed    bool
	closeCode int
	sendErr   error // returned by Send when set
	attempts  int
	sent      []envelope.Envelope
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.dialErr != nil {
		return c.dialErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeClient) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	c.closeCode = code
	return nil
}

func (c *fakeClient) Send(frameType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.attempts++
	if c.sendErr != nil {
		return c.sendErr
	}
	env, err := envelope.JSONCodec{}.Unmarshal(data)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// deliver simulates an inbound frame.
func (c *fakeClient) deliver(t *testing.T, env envelope.Envelope) {
	t.Helper()
	data, err := envelope.JSONCodec{}.Marshal(env)
	require.NoError(t, err)
	c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

// drop simulates the read side ending with a close code.
func (c *fakeClient) drop(code int) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.errors <- &TransportError{Code: code}
}

// failSends makes every later Send return err; nil restores delivery.
func (c *fakeClient) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeClient) sendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeClient) sentOfType(msgType string) []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range c.sent {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeClient) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// =============================================================================
// Harness
// =============================================================================

type managerHarness struct {
	t   *testing.T
	m   *Manager
	clk *clock.Fake
	ft  *fakeTransport
}

func newManagerHarness(t *testing.T, ft *fakeTransport, opts ...Option) *managerHarness {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	opts = append([]Option{
		WithClock(clk),
		WithClientFactory(ft.factory),
	}, opts...)
	m := NewManager(opts...)
	t.Cleanup(m.Destroy)
	return &managerHarness{t: t, m: m, clk: clk, ft: ft}
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig("ws://test")
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectInterval = time.Second
	return cfg
}

// barrier waits until every action posted so far has run.
func (h *managerHarness) barrier() {
	h.t.Helper()
	require.NoError(h.t, h.m.do(func() {}))
}

// advance moves the fake clock and waits for the callbacks it posted.
func (h *managerHarness) advance(d time.Duration) {
	h.t.Helper()
	h.clk.Advance(d)
	h.barrier()
}

func (h *managerHarness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", want, h.m.State())
	h.barrier()
}

func (h *managerHarness) waitFor(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
	h.barrier()
}

// open connects successfully and returns the live fake client.
func (h *managerHarness) open(cfg SessionConfig) *fakeClient {
	h.t.Helper()
	require.NoError(h.t, h.m.Connect(context.Background(), cfg))
	h.barrier()
	return h.ft.last()
}
