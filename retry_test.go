package waymark

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport sentinel", ErrTransportUnavailable, true},
		{"timeout sentinel", ErrTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"permission sentinel", ErrPermissionDenied, false},
		{"invalid argument sentinel", ErrInvalidArgument, false},
		{"serialization sentinel", ErrSerialization, false},
		{"storage sentinel", ErrStorageUnavailable, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("HTTP 503 Service Unavailable"), true},
		{"unauthorized", errors.New("401 Unauthorized"), false},
		{"forbidden", errors.New("server said: Forbidden"), false},
		{"wrapped transport", newSyncError(SyncErrorTransport, "push failed", RecordKey{}, ErrTransportUnavailable), true},
		{"wrapped permission", newSyncError(SyncErrorPermission, "push failed", RecordKey{}, ErrPermissionDenied), false},
		{"unclassified", errors.New("something odd"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoffPolicy_ShouldRetry(t *testing.T) {
	p := NewBackoffPolicy(BackoffConfig{MaxRetries: 3})

	if !p.ShouldRetry(ErrTimeout, 1) {
		t.Errorf("attempt 1 of a retryable error must retry")
	}
	if !p.ShouldRetry(ErrTimeout, 2) {
		t.Errorf("attempt 2 of a retryable error must retry")
	}
	if p.ShouldRetry(ErrTimeout, 3) {
		t.Errorf("the retry cap must stop automatic retries")
	}
	if p.ShouldRetry(ErrPermissionDenied, 1) {
		t.Errorf("terminal errors must never retry")
	}
}

func TestBackoffPolicy_NextDelay(t *testing.T) {
	p := NewBackoffPolicy(BackoffConfig{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       0, // deterministic
	})

	if d := p.NextDelay(1); d != 100*time.Millisecond {
		t.Errorf("NextDelay(1) = %v, want 100ms", d)
	}
	if d := p.NextDelay(2); d != 200*time.Millisecond {
		t.Errorf("NextDelay(2) = %v, want 200ms", d)
	}
	if d := p.NextDelay(3); d != 400*time.Millisecond {
		t.Errorf("NextDelay(3) = %v, want 400ms", d)
	}
	if d := p.NextDelay(10); d != 1*time.Second {
		t.Errorf("NextDelay(10) = %v, want the 1s cap", d)
	}

	t.Run("Jitter", func(t *testing.T) {
		pj := NewBackoffPolicy(BackoffConfig{
			MaxRetries:   5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.1,
		})
		for i := 0; i < 20; i++ {
			d := pj.NextDelay(1)
			if d < 90*time.Millisecond || d > 110*time.Millisecond {
				t.Errorf("NextDelay(1) with 10%% jitter = %v, want within [90ms, 110ms]", d)
			}
		}
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want SyncErrorType
	}{
		{ErrStorageUnavailable, SyncErrorStorage},
		{ErrSerialization, SyncErrorSerialization},
		{ErrTimeout, SyncErrorTimeout},
		{context.DeadlineExceeded, SyncErrorTimeout},
		{ErrTransportUnavailable, SyncErrorTransport},
		{ErrPermissionDenied, SyncErrorPermission},
		{ErrInvalidArgument, SyncErrorInvalidArgument},
		{errors.New("mystery"), SyncErrorUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	fail := func() error { return ErrTransportUnavailable }
	ok := func() error { return nil }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); !errors.Is(err, ErrTransportUnavailable) {
			t.Fatalf("expected the operation error, got %v", err)
		}
	}
	if cb.State() != "open" {
		t.Fatalf("breaker state = %s, want open after 3 failures", cb.State())
	}

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker must short-circuit, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("half-open probe should run the operation, got %v", err)
	}
	if cb.State() != "closed" {
		t.Errorf("breaker state = %s, want closed after successful probe", cb.State())
	}

	t.Run("TerminalErrorsDoNotTrip", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Minute)
		for i := 0; i < 5; i++ {
			_ = cb.Execute(func() error { return ErrPermissionDenied })
		}
		if cb.State() != "closed" {
			t.Errorf("terminal errors say nothing about availability; breaker must stay closed, got %s", cb.State())
		}
	})
}
