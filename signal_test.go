package waymark

import (
	"testing"
)

func TestChangeSignal_Monotonic(t *testing.T) {
	s := NewChangeSignal()

	if s.Value() != 0 {
		t.Fatalf("fresh signal value = %d, want 0", s.Value())
	}

	var prev uint64
	for i := 0; i < 100; i++ {
		v := s.Bump()
		if v <= prev {
			t.Fatalf("Bump returned %d after %d, counter must strictly increase", v, prev)
		}
		prev = v
	}
	if s.Value() != 100 {
		t.Errorf("Value() = %d, want 100", s.Value())
	}
}

func TestChangeSignal_Subscribe(t *testing.T) {
	s := NewChangeSignal()
	ch, cancel := s.Subscribe(4)

	s.Bump()
	s.Bump()

	if v := <-ch; v != 1 {
		t.Errorf("first notification = %d, want 1", v)
	}
	if v := <-ch; v != 2 {
		t.Errorf("second notification = %d, want 2", v)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Errorf("cancel must close the subscription channel")
	}

	// Bumping after cancel must not panic or block.
	s.Bump()
}

func TestChangeSignal_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewChangeSignal()
	_, cancel := s.Subscribe(1)
	defer cancel()

	// Nobody reads; the buffer fills after one bump. Further bumps must
	// drop notifications instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Bump()
		}
		close(done)
	}()

	<-done
	if s.Value() != 50 {
		t.Errorf("Value() = %d, want 50", s.Value())
	}
}
