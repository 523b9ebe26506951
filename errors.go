package resilience

import (
	"errors"
	"fmt"
)

// Configuration errors, returned by NewCircuitBreaker and never surfaced at
// call time.
var (
	// ErrInvalidFailureThreshold indicates FailureThreshold is below 1.
	ErrInvalidFailureThreshold = errors.New("resilience: failure threshold must be at least 1")

	// ErrInvalidSuccessThreshold indicates SuccessThreshold is below 1.
	ErrInvalidSuccessThreshold = errors.New("resilience: success threshold must be at least 1")

	// ErrInvalidTimeout indicates Timeout is below MinTimeout.
	ErrInvalidTimeout = errors.New("resilience: timeout must be at least 1s")
)

// ErrCircuitOpen is the sentinel wrapped by every CircuitOpenError, so
// callers can match rejections with errors.Is regardless of which breaker
// produced them.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrNotRegistered is returned by monitor operations that name a service
// with no registered circuit breaker. This is a caller programming error,
// distinct from runtime faults: registry absence on a read query
// (CircuitBreaker) is reported as a boolean instead.
var ErrNotRegistered = errors.New("service not registered")

// CircuitOpenError is returned by Execute when the breaker is open and the
// re-probe window has not yet elapsed. It is an expected, recoverable
// condition rather than a defect; callers typically translate it into a
// "service temporarily unavailable" response carrying the retry hint.
type CircuitOpenError struct {
	// Service is the name of the protected dependency.
	Service string

	// RetryAfter is the number of whole seconds, rounded up, until the
	// breaker will allow a probe call through.
	RetryAfter int
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("service %s unavailable: circuit breaker is open (retry after %ds)", e.Service, e.RetryAfter)
}

// Unwrap makes the rejection matchable with errors.Is(err, ErrCircuitOpen).
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// IsCircuitOpen reports whether err is a circuit breaker rejection.
//
// Example:
//
//	result, err := breaker.Execute(ctx, op)
//	if resilience.IsCircuitOpen(err) {
//	    return cachedFallback, nil
//	}
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
