package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every breaker rejection.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned without invoking the wrapped call while a
// breaker is open, or while a half-open probe is already in flight.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open (retry in %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// BreakerState is closed, open or half-open.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name      string
	Threshold int           // consecutive failures that open the breaker (default: 5)
	Timeout   time.Duration // how long to stay open before probing (default: 60s)

	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every error.
	IsFailure func(error) bool

	Clock Clock
}

// CircuitBreaker guards one remote dependency. Safe for concurrent use.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration
	isFailure func(error) bool
	clock     Clock

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	openedAt     time.Time
	probing      bool
	generation   uint64 // bumped on every transition and reset
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		isFailure: cfg.IsFailure,
		clock:     clockOrDefault(cfg.Clock),
		state:     StateClosed,
	}
}

// Execute runs fn unless the breaker rejects the call, and records the outcome.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.after(gen, err)
	return err
}

// before admits a call and returns the generation it was admitted in.
func (b *CircuitBreaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.state == StateOpen {
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.timeout {
			return 0, &CircuitOpenError{Name: b.name, RetryAfter: b.timeout - elapsed}
		}
		b.transition(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.probing {
			return 0, &CircuitOpenError{Name: b.name}
		}
		b.probing = true
	}
	return b.generation, nil
}

// after records the outcome of a call admitted in generation gen. Outcomes
// of calls admitted before the last transition are dropped: only the
// half-open probe may close an open breaker.
func (b *CircuitBreaker) after(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.generation {
		return
	}

	wasProbe := b.state == StateHalfOpen
	if wasProbe {
		b.probing = false
	}

	if err == nil || (b.isFailure != nil && !b.isFailure(err)) {
		if wasProbe || b.failureCount > 0 {
			b.failureCount = 0
			b.transition(StateClosed)
		}
		return
	}

	b.failureCount++
	b.lastFailure = b.clock.Now()

	switch {
	case wasProbe:
		// Failed probe re-opens; the counter keeps accumulating.
		b.openedAt = b.lastFailure
		b.transition(StateOpen)
	case b.state == StateClosed && b.failureCount >= b.threshold:
		b.openedAt = b.lastFailure
		b.transition(StateOpen)
	}
}

func (b *CircuitBreaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker state change",
		"breaker", b.name,
		"from", b.state,
		"to", to,
		"failure_count", b.failureCount,
	)
	b.state = to
	b.generation++
}

// Reset forces the breaker closed with zero failures.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.probing = false
	b.openedAt = time.Time{}
	b.transition(StateClosed)
	b.generation++
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open, since the next call will be let through.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.clock.Now())
}

func (b *CircuitBreaker) currentState(now time.Time) BreakerState {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Name returns the protected dependency's name.
func (b *CircuitBreaker) Name() string { return b.name }

// BreakerSnapshot is a read-only view of a breaker for status endpoints.
type BreakerSnapshot struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failureCount"`
	Threshold    int          `json:"threshold"`
	TimeoutMs    int64        `json:"timeoutMs"`
	LastFailure  *time.Time   `json:"lastFailureTime,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:         b.name,
		State:        b.currentState(b.clock.Now()),
		FailureCount: b.failureCount,
		Threshold:    b.threshold,
		TimeoutMs:    b.timeout.Milliseconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// RetryableFailure counts only errors that classify as retryable, so bad
// records do not trip the breaker of a healthy dependency.
func RetryableFailure(err error) bool {
	return FromError(err).Retryable()
}
