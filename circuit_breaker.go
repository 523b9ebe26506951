// Package resilience provides a per-dependency circuit breaker and a health
// monitoring registry for protecting calls to unreliable external services.
// One CircuitBreaker is created per dependency and every call to that
// dependency is routed through Execute; a HealthMonitor aggregates breaker
// state and caller-supplied liveness probes into a system-wide health view.
package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// Operation is a fallible call to an external dependency. The operation is
// responsible for honoring cancellation and timeouts on the supplied context;
// the breaker never imposes its own execution deadline.
type Operation[T any] func(ctx context.Context) (T, error)

// CircuitBreaker gates execution of calls to a single external dependency.
// It starts closed, opens after FailureThreshold consecutive failures, and
// probes recovery through the half-open state after Timeout has elapsed.
// Re-probe eligibility is evaluated lazily at call time; no background timer
// runs per breaker.
//
// A breaker is safe for concurrent use. All counter and state mutations are
// serialized by an internal mutex scoped to the breaker instance; the wrapped
// operation and the OnStateChange observer always run outside that lock.
type CircuitBreaker[T any] struct {
	name    string
	config  Config
	metrics *breakerMetrics

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextAttemptTime time.Time
	totalRequests   uint64
	totalFailures   uint64
	totalSuccesses  uint64
}

// NewCircuitBreaker creates a circuit breaker for the named service.
// Configuration invariants are checked here and never again at call time:
// FailureThreshold and SuccessThreshold must be at least 1, and Timeout must
// be at least MinTimeout.
//
// Example:
//
//	breaker, err := resilience.NewCircuitBreaker[string]("geocoding",
//	    resilience.WithFailureThreshold(3),
//	    resilience.WithSuccessThreshold(2),
//	    resilience.WithTimeout(30*time.Second),
//	)
func NewCircuitBreaker[T any](serviceName string, opts ...Option) (*CircuitBreaker[T], error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	metrics, err := newBreakerMetrics(config.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &CircuitBreaker[T]{
		name:    serviceName,
		config:  config,
		metrics: metrics,
		state:   StateClosed,
	}, nil
}

// Name returns the service name the breaker was created with.
func (cb *CircuitBreaker[T]) Name() string {
	return cb.name
}

// Execute routes a single call to the protected dependency through the
// breaker. Rejected calls fail with *CircuitOpenError carrying the number of
// seconds until the next probe attempt is allowed; the wrapped operation is
// not invoked. Allowed calls invoke the operation exactly once and return its
// result or error unchanged, so callers can apply their own fallback logic.
//
// Every call counts toward the lifetime request total, including rejections.
func (cb *CircuitBreaker[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	var zero T

	allowed, retryAfter, notify := cb.preflight()
	if notify != nil {
		notify()
	}
	if !allowed {
		cb.config.Logger.Warn("circuit breaker rejected request",
			"service", cb.name,
			"retry_after_seconds", retryAfter)
		cb.metrics.recordRejection(ctx, cb.name)

		return zero, &CircuitOpenError{Service: cb.name, RetryAfter: retryAfter}
	}

	start := cb.config.Clock.Now()
	result, err := op(ctx)
	cb.metrics.recordExecution(ctx, cb.name, cb.config.Clock.Since(start), err == nil)

	if err != nil {
		cb.recordFailure()
		return zero, err
	}

	cb.recordSuccess()

	return result, nil
}

// preflight decides whether the call may proceed, applying the lazy
// Open -> HalfOpen transition when the re-probe window has elapsed. The
// request total is incremented unconditionally. The returned notify func, if
// non-nil, emits the transition side effects and must be invoked after the
// lock has been released and before the operation runs.
func (cb *CircuitBreaker[T]) preflight() (allowed bool, retryAfter int, notify func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if cb.state != StateOpen {
		return true, 0, nil
	}

	now := cb.config.Clock.Now()
	if now.Before(cb.nextAttemptTime) {
		return false, cb.retryAfterLocked(now), nil
	}

	return true, 0, cb.transitionLocked(StateHalfOpen)
}

func (cb *CircuitBreaker[T]) recordSuccess() {
	cb.mu.Lock()
	cb.lastSuccessTime = cb.config.Clock.Now()
	cb.totalSuccesses++

	var notify func()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (cb *CircuitBreaker[T]) recordFailure() {
	cb.mu.Lock()
	cb.lastFailureTime = cb.config.Clock.Now()
	cb.totalFailures++
	cb.failureCount++

	var notify func()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// A single failure while probing reopens the circuit.
		notify = cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// transitionLocked moves the breaker into the given state and applies the
// reset side effects for that state. Must be called with cb.mu held. The
// returned func emits the log entry, metric and observer callback for the
// transition; callers invoke it after releasing the lock so an observer that
// calls back into the breaker cannot deadlock.
func (cb *CircuitBreaker[T]) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to

	switch to {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.nextAttemptTime = time.Time{}
	case StateOpen:
		cb.successCount = 0
		cb.nextAttemptTime = cb.config.Clock.Now().Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.failureCount = 0
		cb.successCount = 0
	}

	return func() {
		cb.notifyTransition(from, to)
	}
}

func (cb *CircuitBreaker[T]) notifyTransition(from, to State) {
	if to == StateOpen {
		cb.config.Logger.Warn("circuit breaker state changed",
			"service", cb.name,
			"from", from.String(),
			"to", to.String())
	} else {
		cb.config.Logger.Info("circuit breaker state changed",
			"service", cb.name,
			"from", from.String(),
			"to", to.String())
	}

	cb.metrics.recordTransition(context.Background(), cb.name, from, to)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(to)
	}
}

// retryAfterLocked reports the whole seconds, rounded up, until the next
// probe attempt. Falls back to the configured timeout when the breaker has
// never recorded an attempt window. Must be called with cb.mu held.
func (cb *CircuitBreaker[T]) retryAfterLocked(now time.Time) int {
	if cb.nextAttemptTime.IsZero() {
		return int(math.Ceil(cb.config.Timeout.Seconds()))
	}

	remaining := cb.nextAttemptTime.Sub(now)
	if remaining <= 0 {
		return 0
	}

	return int(math.Ceil(remaining.Seconds()))
}

// State returns the breaker's current state.
func (cb *CircuitBreaker[T]) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// IsAvailable reports whether a call issued now would be allowed through.
// True while closed or half-open, and for an open breaker whose re-probe
// window has elapsed. This is a read-only check: it never triggers the
// Open -> HalfOpen transition itself.
func (cb *CircuitBreaker[T]) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return true
	}

	return !cb.config.Clock.Now().Before(cb.nextAttemptTime)
}

// Stats returns an immutable snapshot of the breaker's counters and state.
func (cb *CircuitBreaker[T]) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
		NextAttemptTime: cb.nextAttemptTime,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
	}
}

// Reset is a manual administrative override that forces the breaker closed,
// with the same side effects as an automatic transition, including the
// OnStateChange callback.
func (cb *CircuitBreaker[T]) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()

	notify()
}

// Open is a manual administrative override that forces the breaker open,
// starting a fresh re-probe window.
func (cb *CircuitBreaker[T]) Open() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateOpen)
	cb.mu.Unlock()

	notify()
}
