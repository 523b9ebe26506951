package resilience

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
)

// MinTimeout is the smallest allowed open-state timeout. Anything shorter
// would re-probe a failing dependency faster than it can plausibly recover.
const MinTimeout = time.Second

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed State = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form so health snapshots are
// readable when serialized by dashboards and health endpoints.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its string form.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	switch name {
	case "closed":
		*s = StateClosed
	case "half-open":
		*s = StateHalfOpen
	case "open":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", name)
	}

	return nil
}

// Config holds circuit breaker configuration options.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the circuit open. Must be at least 1.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in the
	// half-open state required to close the circuit. Must be at least 1.
	// Default: 2
	SuccessThreshold int

	// Timeout is how long the breaker stays open before a probe call is
	// allowed through. Must be at least MinTimeout.
	// Default: 30 seconds
	Timeout time.Duration

	// OnStateChange is invoked with the new state after every transition,
	// outside the breaker's lock. Observers may safely call back into the
	// breaker.
	OnStateChange func(state State)

	// Logger for circuit breaker events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock supplies time for open-state bookkeeping. Tests substitute a
	// fake clock to drive the re-probe window deterministically.
	// Default: the real wall clock
	Clock clockwork.Clock

	// MeterProvider enables OpenTelemetry metrics for transitions,
	// rejections and execution durations when set.
	// Default: nil (no metrics collected)
	MeterProvider metric.MeterProvider
}

func (c Config) validate() error {
	if c.FailureThreshold < 1 {
		return ErrInvalidFailureThreshold
	}
	if c.SuccessThreshold < 1 {
		return ErrInvalidSuccessThreshold
	}
	if c.Timeout < MinTimeout {
		return ErrInvalidTimeout
	}

	return nil
}

// Option is a functional option for configuring a circuit breaker.
type Option func(*Config)

// WithFailureThreshold sets the consecutive-failure count that trips the
// circuit open.
//
// Example:
//
//	resilience.WithFailureThreshold(3) // open after 3 consecutive failures
func WithFailureThreshold(threshold int) Option {
	return func(c *Config) {
		c.FailureThreshold = threshold
	}
}

// WithSuccessThreshold sets the consecutive-success count that closes the
// circuit from half-open.
//
// Example:
//
//	resilience.WithSuccessThreshold(2) // close after 2 probe successes
func WithSuccessThreshold(threshold int) Option {
	return func(c *Config) {
		c.SuccessThreshold = threshold
	}
}

// WithTimeout sets how long the breaker stays open before allowing a probe.
//
// Example:
//
//	resilience.WithTimeout(60 * time.Second)
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithOnStateChange sets an observer invoked with the new state on every
// transition.
//
// Example:
//
//	resilience.WithOnStateChange(func(state resilience.State) {
//	    log.Printf("breaker is now %s", state)
//	})
func WithOnStateChange(fn func(state State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithLogger sets a custom logger for circuit breaker events.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for open-state bookkeeping. Intended for
// tests driving the re-probe window with a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithMeterProvider enables OpenTelemetry metrics collection through the
// given provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = provider
	}
}

// DefaultConfig returns circuit breaker configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Logger:           slog.Default(),
		Clock:            clockwork.NewRealClock(),
	}
}
