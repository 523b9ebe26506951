package resilience_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/tidemark/resilience"
)

var _ = Describe("CircuitBreaker", func() {
	var (
		ctx    context.Context
		clock  *clockwork.FakeClock
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = clockwork.NewFakeClock()
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	newBreaker := func(opts ...resilience.Option) *resilience.CircuitBreaker[string] {
		base := []resilience.Option{
			resilience.WithClock(clock),
			resilience.WithLogger(logger),
		}

		breaker, err := resilience.NewCircuitBreaker[string]("payments", append(base, opts...)...)
		Expect(err).NotTo(HaveOccurred())

		return breaker
	}

	Describe("Construction", func() {
		It("should apply defaults", func() {
			config := resilience.DefaultConfig()
			Expect(config.FailureThreshold).To(Equal(5))
			Expect(config.SuccessThreshold).To(Equal(2))
			Expect(config.Timeout).To(Equal(30 * time.Second))
		})

		It("should start closed", func() {
			breaker := newBreaker()
			Expect(breaker.State()).To(Equal(resilience.StateClosed))
			Expect(breaker.Name()).To(Equal("payments"))
		})

		It("should reject a failure threshold below 1", func() {
			_, err := resilience.NewCircuitBreaker[string]("payments",
				resilience.WithFailureThreshold(0))
			Expect(err).To(MatchError(resilience.ErrInvalidFailureThreshold))
		})

		It("should reject a success threshold below 1", func() {
			_, err := resilience.NewCircuitBreaker[string]("payments",
				resilience.WithSuccessThreshold(0))
			Expect(err).To(MatchError(resilience.ErrInvalidSuccessThreshold))
		})

		It("should reject a timeout below one second", func() {
			_, err := resilience.NewCircuitBreaker[string]("payments",
				resilience.WithTimeout(500*time.Millisecond))
			Expect(err).To(MatchError(resilience.ErrInvalidTimeout))
		})
	})

	Describe("Closed state", func() {
		It("should pass results through unchanged", func() {
			breaker := newBreaker()

			result, err := breaker.Execute(ctx, succeed("ok"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
		})

		It("should pass operation errors through unchanged", func() {
			breaker := newBreaker()
			opErr := errors.New("upstream exploded")

			_, err := breaker.Execute(ctx, fail(opErr))
			Expect(err).To(BeIdenticalTo(opErr))
			Expect(breaker.State()).To(Equal(resilience.StateClosed))
		})

		It("should open on the Nth consecutive failure, not before", func() {
			breaker := newBreaker(resilience.WithFailureThreshold(3))
			opErr := errors.New("boom")

			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			Expect(breaker.State()).To(Equal(resilience.StateClosed))

			_, _ = breaker.Execute(ctx, fail(opErr))
			Expect(breaker.State()).To(Equal(resilience.StateOpen))
		})

		It("should reset the failure count on an intervening success", func() {
			breaker := newBreaker(resilience.WithFailureThreshold(3))
			opErr := errors.New("boom")

			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, succeed("ok"))
			Expect(breaker.Stats().FailureCount).To(BeZero())

			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			Expect(breaker.State()).To(Equal(resilience.StateClosed))
		})
	})

	Describe("Open state", func() {
		var breaker *resilience.CircuitBreaker[string]

		BeforeEach(func() {
			breaker = newBreaker(
				resilience.WithFailureThreshold(1),
				resilience.WithTimeout(10*time.Second),
			)
			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))
			Expect(breaker.State()).To(Equal(resilience.StateOpen))
		})

		It("should reject calls without invoking the operation", func() {
			op := &countingOperation{fn: succeed("ok")}

			_, err := breaker.Execute(ctx, op.execute)

			var openErr *resilience.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.Service).To(Equal("payments"))
			Expect(op.getCallCount()).To(BeZero())
		})

		It("should count rejected calls toward the request total", func() {
			before := breaker.Stats().TotalRequests

			_, _ = breaker.Execute(ctx, succeed("ok"))
			_, _ = breaker.Execute(ctx, succeed("ok"))

			Expect(breaker.Stats().TotalRequests).To(Equal(before + 2))
		})

		It("should not change failure counts on rejection", func() {
			before := breaker.Stats()

			_, _ = breaker.Execute(ctx, succeed("ok"))

			after := breaker.Stats()
			Expect(after.FailureCount).To(Equal(before.FailureCount))
			Expect(after.SuccessCount).To(Equal(before.SuccessCount))
			Expect(after.TotalFailures).To(Equal(before.TotalFailures))
		})

		It("should report a retry-after that never exceeds the timeout", func() {
			_, err := breaker.Execute(ctx, succeed("ok"))

			var openErr *resilience.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.RetryAfter).To(BeNumerically(">=", 0))
			Expect(openErr.RetryAfter).To(BeNumerically("<=", 10))
		})

		It("should round the retry-after up to whole seconds", func() {
			clock.Advance(8500 * time.Millisecond)

			_, err := breaker.Execute(ctx, succeed("ok"))

			var openErr *resilience.CircuitOpenError
			Expect(errors.As(err, &openErr)).To(BeTrue())
			Expect(openErr.RetryAfter).To(Equal(2)) // 1.5s remaining rounds up
		})

		It("should transition to half-open before running the first call after the timeout", func() {
			clock.Advance(10 * time.Second)

			var observed resilience.State
			result, err := breaker.Execute(ctx, func(ctx context.Context) (string, error) {
				observed = breaker.State()
				return "ok", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
			Expect(observed).To(Equal(resilience.StateHalfOpen))
		})
	})

	Describe("Half-open state", func() {
		var breaker *resilience.CircuitBreaker[string]

		BeforeEach(func() {
			breaker = newBreaker(
				resilience.WithFailureThreshold(1),
				resilience.WithSuccessThreshold(2),
				resilience.WithTimeout(time.Second),
			)
			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))
			clock.Advance(time.Second)
		})

		It("should close after exactly the success threshold", func() {
			_, _ = breaker.Execute(ctx, succeed("ok"))
			Expect(breaker.State()).To(Equal(resilience.StateHalfOpen))
			Expect(breaker.Stats().SuccessCount).To(Equal(1))

			_, _ = breaker.Execute(ctx, succeed("ok"))
			Expect(breaker.State()).To(Equal(resilience.StateClosed))
			Expect(breaker.Stats().SuccessCount).To(BeZero())
		})

		It("should reopen on a single failure regardless of prior successes", func() {
			_, _ = breaker.Execute(ctx, succeed("ok"))
			Expect(breaker.Stats().SuccessCount).To(Equal(1))

			_, _ = breaker.Execute(ctx, fail(errors.New("still broken")))

			stats := breaker.Stats()
			Expect(stats.State).To(Equal(resilience.StateOpen))
			Expect(stats.SuccessCount).To(BeZero())
			Expect(stats.NextAttemptTime).To(Equal(clock.Now().Add(time.Second)))
		})
	})

	Describe("IsAvailable", func() {
		It("should be true while closed", func() {
			Expect(newBreaker().IsAvailable()).To(BeTrue())
		})

		It("should be false for a cold open breaker and true once the window elapses", func() {
			breaker := newBreaker(
				resilience.WithFailureThreshold(1),
				resilience.WithTimeout(5*time.Second),
			)
			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))

			Expect(breaker.IsAvailable()).To(BeFalse())

			clock.Advance(5 * time.Second)
			Expect(breaker.IsAvailable()).To(BeTrue())
			// Read-only: the breaker stays open until the next Execute.
			Expect(breaker.State()).To(Equal(resilience.StateOpen))
		})
	})

	Describe("Manual overrides", func() {
		It("should force the breaker open with a fresh attempt window", func() {
			breaker := newBreaker(resilience.WithTimeout(10 * time.Second))

			breaker.Open()

			Expect(breaker.State()).To(Equal(resilience.StateOpen))
			Expect(breaker.Stats().NextAttemptTime).To(Equal(clock.Now().Add(10 * time.Second)))

			_, err := breaker.Execute(ctx, succeed("ok"))
			Expect(resilience.IsCircuitOpen(err)).To(BeTrue())
		})

		It("should force an open breaker closed and clear its counters", func() {
			breaker := newBreaker(resilience.WithFailureThreshold(1))
			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))

			breaker.Reset()

			stats := breaker.Stats()
			Expect(stats.State).To(Equal(resilience.StateClosed))
			Expect(stats.FailureCount).To(BeZero())
			Expect(stats.SuccessCount).To(BeZero())
			Expect(stats.NextAttemptTime).To(BeZero())
		})

		It("should invoke the observer when resetting an already-closed breaker", func() {
			recorder := &stateRecorder{}
			breaker := newBreaker(resilience.WithOnStateChange(recorder.record))

			breaker.Reset()

			Expect(recorder.recorded()).To(Equal([]resilience.State{resilience.StateClosed}))
		})
	})

	Describe("Observer", func() {
		It("should report every transition with the new state", func() {
			recorder := &stateRecorder{}
			breaker := newBreaker(
				resilience.WithFailureThreshold(1),
				resilience.WithSuccessThreshold(1),
				resilience.WithTimeout(time.Second),
				resilience.WithOnStateChange(recorder.record),
			)

			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))
			clock.Advance(time.Second)
			_, _ = breaker.Execute(ctx, succeed("ok"))

			Expect(recorder.recorded()).To(Equal([]resilience.State{
				resilience.StateOpen,
				resilience.StateHalfOpen,
				resilience.StateClosed,
			}))
		})

		It("should allow the observer to call back into the breaker", func() {
			var breaker *resilience.CircuitBreaker[string]

			var observedStats []resilience.Stats
			breaker = newBreaker(
				resilience.WithFailureThreshold(1),
				resilience.WithOnStateChange(func(state resilience.State) {
					observedStats = append(observedStats, breaker.Stats())
				}),
			)

			_, _ = breaker.Execute(ctx, fail(errors.New("boom")))

			Expect(observedStats).To(HaveLen(1))
			Expect(observedStats[0].State).To(Equal(resilience.StateOpen))
		})
	})

	Describe("Lifetime totals", func() {
		It("should track successes and failures across transitions", func() {
			breaker := newBreaker(
				resilience.WithFailureThreshold(2),
				resilience.WithTimeout(time.Second),
			)
			opErr := errors.New("boom")

			_, _ = breaker.Execute(ctx, succeed("ok"))
			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, succeed("ok")) // rejected: circuit open

			stats := breaker.Stats()
			Expect(stats.TotalRequests).To(Equal(uint64(4)))
			Expect(stats.TotalSuccesses).To(Equal(uint64(1)))
			Expect(stats.TotalFailures).To(Equal(uint64(2)))
			Expect(stats.LastSuccessTime).To(Equal(clock.Now()))
			Expect(stats.LastFailureTime).To(Equal(clock.Now()))
		})
	})

	Describe("Recovery scenario", func() {
		It("should walk open, half-open and closed with thresholds 3/2 and a 1s timeout", func() {
			breaker := newBreaker(
				resilience.WithFailureThreshold(3),
				resilience.WithSuccessThreshold(2),
				resilience.WithTimeout(time.Second),
			)
			opErr := errors.New("boom")

			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			_, _ = breaker.Execute(ctx, fail(opErr))
			Expect(breaker.State()).To(Equal(resilience.StateOpen))

			_, err := breaker.Execute(ctx, succeed("ok"))
			Expect(resilience.IsCircuitOpen(err)).To(BeTrue())

			clock.Advance(time.Second)

			_, err = breaker.Execute(ctx, succeed("ok"))
			Expect(err).NotTo(HaveOccurred())

			stats := breaker.Stats()
			Expect(stats.State).To(Equal(resilience.StateHalfOpen))
			Expect(stats.FailureCount).To(BeZero())
			Expect(stats.SuccessCount).To(Equal(1))

			_, err = breaker.Execute(ctx, succeed("ok"))
			Expect(err).NotTo(HaveOccurred())
			Expect(breaker.State()).To(Equal(resilience.StateClosed))
		})
	})
})
