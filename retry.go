package waymark

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures retry behavior for remote pushes.
type BackoffConfig struct {
	// MaxRetries is the maximum number of automatic retries per record
	// after a failed push. Past the cap the record is retried only by the
	// next full reconciliation pass.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// InitialDelay is the delay before the first retry.
	// Default: 500ms
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	// Default: 30s
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is applied to the delay after each retry.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier"`

	// Jitter adds randomness to delays to prevent thundering herd.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.1
	Jitter float64 `yaml:"jitter"`
}

// DefaultBackoffConfig returns a backoff configuration with sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// BackoffPolicy classifies push errors and computes retry delays.
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy creates a backoff policy with the given configuration.
func NewBackoffPolicy(config BackoffConfig) *BackoffPolicy {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &BackoffPolicy{config: config}
}

// MaxRetries returns the automatic retry cap.
func (p *BackoffPolicy) MaxRetries() int {
	return p.config.MaxRetries
}

// ShouldRetry reports whether a failed push at the given attempt (1-based)
// should be retried automatically.
func (p *BackoffPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.config.MaxRetries {
		return false
	}
	return IsRetryable(err)
}

// NextDelay computes the delay before the given retry attempt (1-based),
// exponential with jitter and capped at MaxDelay.
func (p *BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt-1))
	if d > float64(p.config.MaxDelay) {
		d = float64(p.config.MaxDelay)
	}
	if p.config.Jitter > 0 {
		jitter := (rand.Float64()*2 - 1) * d * p.config.Jitter
		d += jitter
	}
	return time.Duration(d)
}

// IsRetryable reports whether an error is transient: transport,
// availability and timeout failures are retried; permission and
// malformed-argument failures are terminal. Context cancellation is never
// retried. Unclassified errors are treated as transient so a flaky remote
// does not strand records; the retry cap still bounds the attempts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSerialization) || errors.Is(err, ErrStorageUnavailable) {
		return false
	}
	if errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"503",
		"502",
		"504",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if containsIgnoreCase(errStr, pattern) {
			return true
		}
	}

	terminalPatterns := []string{
		"permission denied",
		"unauthorized",
		"unauthenticated",
		"forbidden",
		"invalid argument",
		"401",
		"403",
		"400",
	}
	for _, pattern := range terminalPatterns {
		if containsIgnoreCase(errStr, pattern) {
			return false
		}
	}

	return true
}

// Classify maps an error to its SyncErrorType.
func Classify(err error) SyncErrorType {
	switch {
	case err == nil:
		return SyncErrorUnknown
	case errors.Is(err, ErrStorageUnavailable):
		return SyncErrorStorage
	case errors.Is(err, ErrSerialization):
		return SyncErrorSerialization
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return SyncErrorTimeout
	case errors.Is(err, ErrTransportUnavailable):
		return SyncErrorTransport
	case errors.Is(err, ErrPermissionDenied):
		return SyncErrorPermission
	case errors.Is(err, ErrInvalidArgument):
		return SyncErrorInvalidArgument
	default:
		return SyncErrorUnknown
	}
}

func containsIgnoreCase(s, substr string) bool {
	return indexIgnoreCase(s, substr) >= 0
}

func indexIgnoreCase(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	if len(s) < len(substr) {
		return -1
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			c1, c2 := s[i+j], substr[j]
			if c1 != c2 && toLower(c1) != toLower(c2) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 32
	}
	return c
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after repeated remote failures so a dead remote is
// not hammered by every pending record. It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed := cb.allowRequestLocked()
	cb.mu.Unlock()

	if !allowed {
		return newSyncError(SyncErrorTransport, "remote circuit open", RecordKey{}, ErrCircuitOpen)
	}

	err := op()

	cb.mu.Lock()
	cb.recordResultLocked(err)
	cb.mu.Unlock()

	return err
}

func (cb *CircuitBreaker) allowRequestLocked() bool {
	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return true
}

func (cb *CircuitBreaker) recordResultLocked(err error) {
	if err == nil || !IsRetryable(err) {
		// Terminal errors say nothing about remote availability.
		if err == nil {
			cb.failures = 0
			cb.state = circuitClosed
		}
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the current circuit breaker state as a string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
