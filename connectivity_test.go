package waymark

import (
	"testing"
	"time"
)

func TestConnectivityMonitor_StateTransitions(t *testing.T) {
	m := NewConnectivityMonitor(StateOffline)

	if m.Online() {
		t.Fatalf("monitor created offline must report offline")
	}

	m.SetOnline()
	if !m.Online() {
		t.Errorf("SetOnline must flip the state")
	}
	if m.State() != StateOnline {
		t.Errorf("State() = %v, want online", m.State())
	}

	m.SetOffline()
	if m.Online() {
		t.Errorf("SetOffline must flip the state back")
	}
}

func TestConnectivityMonitor_Subscribe(t *testing.T) {
	m := NewConnectivityMonitor(StateOffline)
	ch, cancel := m.Subscribe()

	m.SetOnline()
	select {
	case tr := <-ch:
		if tr.From != StateOffline || tr.To != StateOnline {
			t.Errorf("transition = %v -> %v, want offline -> online", tr.From, tr.To)
		}
	case <-time.After(time.Second):
		t.Fatalf("no transition delivered")
	}

	// Setting the same state again is not a transition.
	m.SetOnline()
	select {
	case tr := <-ch:
		t.Errorf("unexpected transition %v -> %v for a no-op set", tr.From, tr.To)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Errorf("cancel must close the subscription channel")
	}

	// Transitions after cancel must not panic.
	m.SetOffline()
}

func TestConnectivityMonitor_SlowSubscriberKeepsLatest(t *testing.T) {
	m := NewConnectivityMonitor(StateOffline)
	ch, cancel := m.Subscribe()
	defer cancel()

	// Flap more times than the buffer holds without reading.
	for i := 0; i < 20; i++ {
		m.SetOnline()
		m.SetOffline()
	}
	m.SetOnline()

	// The latest transition must still be observable.
	var last Transition
	for {
		select {
		case tr := <-ch:
			last = tr
			continue
		default:
		}
		break
	}
	if last.To != StateOnline {
		t.Errorf("last buffered transition goes to %v, want online (the final state)", last.To)
	}
}
