package connection

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the channel buffer used when a subscriber
// passes a non-positive size.
const DefaultSubscriberBuffer = 64

// hub fans values out to subscriber channels. Publish never blocks: a
// subscriber that falls behind loses values.
type hub[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

func newHub[T any](name string, logger *slog.Logger) *hub[T] {
	return &hub[T]{
		name:   name,
		logger: logger,
		subs:   make(map[uint64]chan T),
	}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (h *hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers v to every subscriber that has room.
func (h *hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				"stream", h.name,
				"subscriber", id,
			)
		}
	}
}

// Len returns the number of subscribers.
func (h *hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
