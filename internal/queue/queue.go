package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/rickgao/sessionlink/internal/envelope"
)

// DefaultCapacity is the maximum number of queued messages.
const DefaultCapacity = 20

// Errors
var (
	ErrQueueOverflow = errors.New("message queue overflow")
	ErrDuplicate     = errors.New("request id already queued")
	ErrInvalid       = errors.New("invalid queued message")
)

const numTiers = int(envelope.PriorityLow) + 1

// Message is an outbound envelope waiting for transmission.
type Message struct {
	ID         string
	Envelope   envelope.Envelope
	Priority   envelope.Priority
	EnqueuedAt time.Time

	seq uint64 // global enqueue order, survives Requeue
}

// MessageQueue is a bounded priority queue, FIFO within each priority tier.
// It is safe for concurrent use.
type MessageQueue struct {
	mu       sync.Mutex
	tiers    [numTiers][]*Message
	capacity int
	count    int
	nextSeq  uint64
	now      func() time.Time

	// Stats
	totalEnqueued int64
	totalEvicted  int64
	totalDropped  int64
}

// New creates a queue holding at most capacity messages.
func New(capacity int) *MessageQueue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &MessageQueue{
		capacity: capacity,
		now:      time.Now,
	}
}

// Enqueue adds msg to the queue. When the queue is full the lowest-priority,
// oldest message (the incoming one included) is evicted; the evicted message
// is returned together with ErrQueueOverflow. Overflow is not fatal: msg is
// queued unless it was itself the eviction victim.
func (q *MessageQueue) Enqueue(msg Message) (*Message, error) {
	if msg.ID == "" || !msg.Priority.Valid() {
		return nil, ErrInvalid
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(msg.ID) {
		return nil, ErrDuplicate
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now()
	}
	q.nextSeq++
	msg.seq = q.nextSeq
	m := &msg

	var evicted *Message
	if q.count >= q.capacity {
		victimTier := q.lowestTierLocked()
		if int(m.Priority) > victimTier {
			// Incoming message ranks below everything queued.
			q.totalDropped++
			return m, ErrQueueOverflow
		}
		evicted = q.tiers[victimTier][0]
		q.tiers[victimTier] = q.tiers[victimTier][1:]
		q.count--
		q.totalEvicted++
	}

	q.tiers[m.Priority] = append(q.tiers[m.Priority], m)
	q.count++
	q.totalEnqueued++

	if evicted != nil {
		return evicted, ErrQueueOverflow
	}
	return nil, nil
}

// Requeue puts back a message that failed to transmit. Only critical and
// high messages are kept; they return to their original position. Returns
// false when the message was dropped.
func (q *MessageQueue) Requeue(msg *Message) bool {
	if msg == nil || msg.Priority > envelope.PriorityHigh {
		q.mu.Lock()
		q.totalDropped++
		q.mu.Unlock()
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(msg.ID) {
		return true
	}
	if q.count >= q.capacity {
		victimTier := q.lowestTierLocked()
		if int(msg.Priority) > victimTier {
			q.totalDropped++
			return false
		}
		q.tiers[victimTier] = q.tiers[victimTier][1:]
		q.count--
		q.totalEvicted++
	}

	tier := q.tiers[msg.Priority]
	pos := len(tier)
	for i, m := range tier {
		if m.seq > msg.seq {
			pos = i
			break
		}
	}
	tier = append(tier, nil)
	copy(tier[pos+1:], tier[pos:])
	tier[pos] = msg
	q.tiers[msg.Priority] = tier
	q.count++

	return true
}

// Pop removes and returns the next message in flush order.
func (q *MessageQueue) Pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.tiers {
		if len(q.tiers[p]) > 0 {
			m := q.tiers[p][0]
			q.tiers[p][0] = nil
			q.tiers[p] = q.tiers[p][1:]
			q.count--
			return m, true
		}
	}
	return nil, false
}

// Drain removes and returns all messages in flush order.
func (q *MessageQueue) Drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*Message, 0, q.count)
	for p := range q.tiers {
		result = append(result, q.tiers[p]...)
		q.tiers[p] = nil
	}
	q.count = 0
	return result
}

// Snapshot returns the queued messages in flush order without removing them.
func (q *MessageQueue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]Message, 0, q.count)
	for p := range q.tiers {
		for _, m := range q.tiers[p] {
			result = append(result, *m)
		}
	}
	return result
}

// Contains reports whether a message with id is queued.
func (q *MessageQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.containsLocked(id)
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *MessageQueue) Cap() int {
	return q.capacity
}

// Clear drops every queued message.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.tiers {
		q.tiers[p] = nil
	}
	q.count = 0
}

// Stats returns queue statistics.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalEnqueued: q.totalEnqueued,
		TotalEvicted:  q.totalEvicted,
		TotalDropped:  q.totalDropped,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	TotalEnqueued int64
	TotalEvicted  int64
	TotalDropped  int64
}

func (q *MessageQueue) containsLocked(id string) bool {
	for p := range q.tiers {
		for _, m := range q.tiers[p] {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// lowestTierLocked returns the lowest-priority non-empty tier. Must be called
// with lock held and count > 0.
func (q *MessageQueue) lowestTierLocked() int {
	for p := numTiers - 1; p >= 0; p-- {
		if len(q.tiers[p]) > 0 {
			return p
		}
	}
	return 0
}
