package queue

import (
	"sync"
	"time"
)

// DefaultGraceWindow is how long a transmitted request id stays blocked.
const DefaultGraceWindow = time.Second

// PendingSet tracks in-flight request ids with explicit expiry. An id added
// to the set cannot be added again until its grace window has passed.
type PendingSet struct {
	mu     sync.Mutex
	window time.Duration
	ids    map[string]time.Time // id → expiry
	now    func() time.Time
}

// NewPendingSet creates a set with the given grace window.
func NewPendingSet(window time.Duration) *PendingSet {
	if window <= 0 {
		window = DefaultGraceWindow
	}
	return &PendingSet{
		window: window,
		ids:    make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetNow replaces the time source.
func (s *PendingSet) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Add registers id. Returns false if id is still inside its grace window,
// in which case the caller must not transmit it.
func (s *PendingSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeLocked(now)

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = now.Add(s.window)
	return true
}

// Contains reports whether id is inside its grace window.
func (s *PendingSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.ids[id]
	return ok && s.now().Before(exp)
}

// Remove releases id before its window expires.
func (s *PendingSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Clear releases every id.
func (s *PendingSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[string]time.Time)
}

// Len returns the number of ids inside their grace window.
func (s *PendingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(s.now())
	return len(s.ids)
}

func (s *PendingSet) purgeLocked(now time.Time) {
	for id, exp := range s.ids {
		if !now.Before(exp) {
			delete(s.ids, id)
		}
	}
}
