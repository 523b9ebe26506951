package resilience

import (
	"context"
	"time"
)

// Stats is an immutable snapshot of a circuit breaker's counters, taken
// under the breaker's lock. It provides a strongly-typed alternative to
// map[string]interface{} for observability endpoints and tests; readers
// never mutate it.
type Stats struct {
	// State is the breaker state at the time of the snapshot.
	State State `json:"state"`

	// FailureCount is the current consecutive-failure count.
	FailureCount int `json:"failure_count"`

	// SuccessCount is the current half-open consecutive-success count.
	SuccessCount int `json:"success_count"`

	// LastFailureTime is when the most recent operation failure was recorded.
	LastFailureTime time.Time `json:"last_failure_time"`

	// LastSuccessTime is when the most recent operation success was recorded.
	LastSuccessTime time.Time `json:"last_success_time"`

	// NextAttemptTime is when an open breaker will next allow a probe call.
	// Zero unless the breaker is open.
	NextAttemptTime time.Time `json:"next_attempt_time"`

	// TotalRequests is the lifetime request count, including rejections.
	TotalRequests uint64 `json:"total_requests"`

	// TotalFailures is the lifetime count of failed operations.
	TotalFailures uint64 `json:"total_failures"`

	// TotalSuccesses is the lifetime count of successful operations.
	TotalSuccesses uint64 `json:"total_successes"`
}

// HealthCheckResult is the outcome of a caller-supplied liveness probe.
// The monitor does not interpret Message; it is carried through to the
// health snapshot verbatim.
type HealthCheckResult struct {
	// Healthy reports whether the probe considers the service live.
	Healthy bool `json:"healthy"`

	// Message optionally describes the probe outcome.
	Message string `json:"message,omitempty"`

	// ResponseTime is how long the probe took. When the probe leaves it
	// zero the monitor fills it in from its own measurement.
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// HealthCheckFunc probes the liveness of a single external service. Probes
// should honor the supplied context; a probe error or panic degrades the
// service's health verdict but is never propagated to monitor callers.
type HealthCheckFunc func(ctx context.Context) (HealthCheckResult, error)

// ServiceHealth is a per-service health snapshot, computed on demand and
// never persisted.
type ServiceHealth struct {
	// Service is the registered service name.
	Service string `json:"service"`

	// Healthy is true when the breaker is closed and, if a probe is
	// registered, the probe reported healthy.
	Healthy bool `json:"healthy"`

	// State is the breaker state at check time.
	State State `json:"state"`

	// Stats is the breaker's counter snapshot at check time.
	Stats Stats `json:"stats"`

	// Message carries the probe's message, if any.
	Message string `json:"message,omitempty"`

	// ResponseTime is the probe duration, if a probe ran.
	ResponseTime time.Duration `json:"response_time,omitempty"`

	// CheckedAt is when the snapshot was taken.
	CheckedAt time.Time `json:"checked_at"`
}

// SystemHealth aggregates the health of every registered service.
type SystemHealth struct {
	// Healthy is true when no registered service is unhealthy.
	Healthy bool `json:"healthy"`

	// HealthyCount is the number of healthy services.
	HealthyCount int `json:"healthy_count"`

	// UnhealthyCount is the number of unhealthy services.
	UnhealthyCount int `json:"unhealthy_count"`

	// Services lists the per-service snapshots the aggregate was computed
	// from, in service-name order.
	Services []ServiceHealth `json:"services"`

	// CheckedAt is when the aggregate was computed.
	CheckedAt time.Time `json:"checked_at"`
}
