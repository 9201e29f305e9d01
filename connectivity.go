package waymark

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the host connectivity state.
type ConnState int32

const (
	// StateOffline means no remote interaction is attempted.
	StateOffline ConnState = iota
	// StateOnline means the remote store is reachable.
	StateOnline
)

func (s ConnState) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Transition describes a connectivity change.
type Transition struct {
	From ConnState
	To   ConnState
	At   time.Time
}

// ConnectivityMonitor tracks the host-provided online/offline signal and
// fans transition events out to subscribers.
type ConnectivityMonitor struct {
	state atomic.Int32

	mu     sync.RWMutex
	subs   map[int]chan Transition
	nextID int
}

// NewConnectivityMonitor creates a monitor in the given initial state.
func NewConnectivityMonitor(initial ConnState) *ConnectivityMonitor {
	m := &ConnectivityMonitor{
		subs: make(map[int]chan Transition),
	}
	m.state.Store(int32(initial))
	return m
}

// State returns the current connectivity state.
func (m *ConnectivityMonitor) State() ConnState {
	return ConnState(m.state.Load())
}

// Online reports whether the monitor is in the online state.
func (m *ConnectivityMonitor) Online() bool {
	return m.State() == StateOnline
}

// SetOnline records that the host regained connectivity.
func (m *ConnectivityMonitor) SetOnline() {
	m.set(StateOnline)
}

// SetOffline records that the host lost connectivity.
func (m *ConnectivityMonitor) SetOffline() {
	m.set(StateOffline)
}

func (m *ConnectivityMonitor) set(to ConnState) {
	from := ConnState(m.state.Swap(int32(to)))
	if from == to {
		return
	}

	t := Transition{From: from, To: to, At: time.Now()}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			// Slow subscriber: evict the oldest queued transition so the
			// latest state always gets through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
}

// Subscribe registers a transition channel. The returned cancel function
// removes the subscription and closes the channel.
func (m *ConnectivityMonitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	ch := make(chan Transition, 8)
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}
