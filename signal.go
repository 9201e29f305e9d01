package waymark

import (
	"sync"
	"sync/atomic"
)

// ChangeSignal is a monotonic counter bumped whenever local state changes.
// UI layers observe it to know when to re-render; the counter itself is
// safe to read without additional synchronization.
type ChangeSignal struct {
	counter atomic.Uint64

	mu     sync.RWMutex
	subs   map[int]chan uint64
	nextID int
}

// NewChangeSignal creates a new change signal.
func NewChangeSignal() *ChangeSignal {
	return &ChangeSignal{
		subs: make(map[int]chan uint64),
	}
}

// Bump increments the counter and notifies subscribers.
// Slow subscribers miss intermediate values rather than block the writer.
func (s *ChangeSignal) Bump() uint64 {
	v := s.counter.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
	return v
}

// Value returns the current counter value.
func (s *ChangeSignal) Value() uint64 {
	return s.counter.Load()
}

// Subscribe registers a notification channel. The returned cancel function
// removes the subscription and closes the channel.
func (s *ChangeSignal) Subscribe(buffer int) (<-chan uint64, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan uint64, buffer)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
