package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sessionlink/internal/envelope"
)

func msg(id string, p envelope.Priority) Message {
	return Message{
		ID:       id,
		Envelope: envelope.Envelope{Type: envelope.TypeTextInput, RequestID: id},
		Priority: p,
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageQueue_PriorityOrder(t *testing.T) {
	q := New(DefaultCapacity)

	for _, m := range []Message{
		msg("low-1", envelope.PriorityLow),
		msg("normal-1", envelope.PriorityNormal),
		msg("crit-1", envelope.PriorityCritical),
		msg("high-1", envelope.PriorityHigh),
		msg("normal-2", envelope.PriorityNormal),
		msg("crit-2", envelope.PriorityCritical),
	} {
		_, err := q.Enqueue(m)
		require.NoError(t, err)
	}

	assert.Equal(t,
		[]string{"crit-1", "crit-2", "high-1", "normal-1", "normal-2", "low-1"},
		ids(q.Drain()))
	assert.Equal(t, 0, q.Len())
}

func TestMessageQueue_OverflowEvictsLowestOldest(t *testing.T) {
	q := New(DefaultCapacity)

	for i := 0; i < DefaultCapacity; i++ {
		_, err := q.Enqueue(msg(fmt.Sprintf("low-%d", i), envelope.PriorityLow))
		require.NoError(t, err)
	}

	evicted, err := q.Enqueue(msg("crit", envelope.PriorityCritical))
	assert.ErrorIs(t, err, ErrQueueOverflow)
	require.NotNil(t, evicted)
	assert.Equal(t, "low-0", evicted.ID)

	assert.Equal(t, DefaultCapacity, q.Len())
	assert.True(t, q.Contains("crit"))
	assert.False(t, q.Contains("low-0"))

	head, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "crit", head.ID)
}

func TestMessageQueue_NineteenLowThenCritical(t *testing.T) {
	q := New(DefaultCapacity)

	for i := 0; i < DefaultCapacity-1; i++ {
		_, err := q.Enqueue(msg(fmt.Sprintf("low-%d", i), envelope.PriorityLow))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(msg("crit", envelope.PriorityCritical))
	require.NoError(t, err)

	// Queue is now full; the next arrival must push out a low message.
	evicted, err := q.Enqueue(msg("normal", envelope.PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueOverflow)
	require.NotNil(t, evicted)
	assert.Equal(t, envelope.PriorityLow, evicted.Priority)
	assert.True(t, q.Contains("crit"))
	assert.LessOrEqual(t, q.Len(), DefaultCapacity)
}

func TestMessageQueue_OverflowDropsIncomingWhenLowest(t *testing.T) {
	q := New(2)

	_, err := q.Enqueue(msg("crit-1", envelope.PriorityCritical))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("crit-2", envelope.PriorityCritical))
	require.NoError(t, err)

	evicted, err := q.Enqueue(msg("low", envelope.PriorityLow))
	assert.ErrorIs(t, err, ErrQueueOverflow)
	require.NotNil(t, evicted)
	assert.Equal(t, "low", evicted.ID)
	assert.Equal(t, []string{"crit-1", "crit-2"}, ids(q.Drain()))
}

func TestMessageQueue_Duplicate(t *testing.T) {
	q := New(DefaultCapacity)

	_, err := q.Enqueue(msg("a", envelope.PriorityNormal))
	require.NoError(t, err)
	_, err = q.Enqueue(msg("a", envelope.PriorityHigh))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, q.Len())
}

func TestMessageQueue_Invalid(t *testing.T) {
	q := New(DefaultCapacity)

	_, err := q.Enqueue(Message{Priority: envelope.PriorityNormal})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = q.Enqueue(Message{ID: "x", Priority: envelope.Priority(9)})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMessageQueue_RequeueKeepsPosition(t *testing.T) {
	q := New(DefaultCapacity)

	for _, id := range []string{"h1", "h2", "h3"} {
		_, err := q.Enqueue(msg(id, envelope.PriorityHigh))
		require.NoError(t, err)
	}

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "h1", first.ID)

	assert.True(t, q.Requeue(first))
	assert.Equal(t, []string{"h1", "h2", "h3"}, ids(q.Drain()))
}

func TestMessageQueue_RequeueDropsLowPriority(t *testing.T) {
	q := New(DefaultCapacity)

	_, err := q.Enqueue(msg("n1", envelope.PriorityNormal))
	require.NoError(t, err)
	m, _ := q.Pop()

	assert.False(t, q.Requeue(m))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(1), q.Stats().TotalDropped)
}

func TestMessageQueue_ConcurrentEnqueue(t *testing.T) {
	q := New(DefaultCapacity)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(msg(fmt.Sprintf("m-%d", i), envelope.Priority(i%4)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, DefaultCapacity, q.Len())
	stats := q.Stats()
	assert.Equal(t, int64(100), stats.TotalEnqueued+stats.TotalDropped)
}

func TestPendingSet_GraceWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewPendingSet(time.Second)
	s.SetNow(func() time.Time { return now })

	assert.True(t, s.Add("req-1"))
	assert.False(t, s.Add("req-1"), "second add inside window must be rejected")
	assert.True(t, s.Contains("req-1"))

	now = now.Add(999 * time.Millisecond)
	assert.False(t, s.Add("req-1"))

	now = now.Add(time.Millisecond)
	assert.False(t, s.Contains("req-1"))
	assert.True(t, s.Add("req-1"), "id is free again after the window")
}

func TestPendingSet_ConcurrentAdd(t *testing.T) {
	s := NewPendingSet(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("same") {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
}

func TestPendingSet_Clear(t *testing.T) {
	s := NewPendingSet(0)
	s.Add("a")
	s.Add("b")
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Add("a"))
}
