package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMonitorInterval is the sweep interval used when StartMonitoring is
// called with a non-positive interval.
const DefaultMonitorInterval = 60 * time.Second

// Breaker is the monitor's view of a circuit breaker: the non-generic
// surface shared by every CircuitBreaker regardless of its result type.
// The monitor only reads state and issues administrative resets; it never
// routes calls through a breaker.
type Breaker interface {
	Name() string
	State() State
	Stats() Stats
	IsAvailable() bool
	Reset()
	Open()
}

// HealthMonitor is a registry correlating circuit breakers and liveness
// probes per named external dependency. It exposes on-demand health checks
// for single services, aggregate views across all of them, and an optional
// periodic background sweep that logs unhealthy services.
//
// Construct one monitor per process and pass it to the components that need
// it; tests build isolated instances instead of sharing global state. The
// monitor holds references to breakers but does not own their lifecycle.
type HealthMonitor struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu       sync.RWMutex
	breakers map[string]Breaker
	checks   map[string]HealthCheckFunc

	runMu    sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// MonitorOption is a functional option for configuring a health monitor.
type MonitorOption func(*HealthMonitor)

// WithMonitorLogger sets a custom logger for monitor events.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *HealthMonitor) {
		m.logger = logger
	}
}

// WithMonitorClock sets the clock driving the periodic sweep ticker and
// health snapshot timestamps. Intended for tests.
func WithMonitorClock(clock clockwork.Clock) MonitorOption {
	return func(m *HealthMonitor) {
		m.clock = clock
	}
}

// NewHealthMonitor creates an empty health monitor.
func NewHealthMonitor(opts ...MonitorOption) *HealthMonitor {
	m := &HealthMonitor{
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		breakers: make(map[string]Breaker),
		checks:   make(map[string]HealthCheckFunc),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RegisterCircuitBreaker stores the breaker under the given service name.
// Registering the same name again overwrites the previous entry, so services
// can re-register idempotently at restart.
func (m *HealthMonitor) RegisterCircuitBreaker(name string, breaker Breaker) {
	m.mu.Lock()
	m.breakers[name] = breaker
	m.mu.Unlock()

	m.logger.Info("registered circuit breaker", "service", name)
}

// RegisterHealthCheck stores a liveness probe for the given service name,
// overwriting any previous probe. A probe is optional per service.
func (m *HealthMonitor) RegisterHealthCheck(name string, check HealthCheckFunc) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()

	m.logger.Info("registered health check", "service", name)
}

// CircuitBreaker returns the breaker registered under name. Absence is a
// valid query result, reported through the boolean.
func (m *HealthMonitor) CircuitBreaker(name string) (Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breaker, ok := m.breakers[name]

	return breaker, ok
}

// CheckServiceHealth computes a health snapshot for a single service. The
// verdict starts from the breaker state (healthy only when closed) and is
// further degraded by the registered probe, if any: a probe that reports
// unhealthy, returns an error, or panics marks the service unhealthy. Probe
// failures are logged and never propagated to the caller.
//
// Returns an error wrapping ErrNotRegistered when no breaker exists for name.
func (m *HealthMonitor) CheckServiceHealth(ctx context.Context, name string) (ServiceHealth, error) {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	check := m.checks[name]
	m.mu.RUnlock()

	if !ok {
		return ServiceHealth{}, fmt.Errorf("service %q: %w", name, ErrNotRegistered)
	}

	stats := breaker.Stats()
	health := ServiceHealth{
		Service:   name,
		Healthy:   stats.State == StateClosed,
		State:     stats.State,
		Stats:     stats,
		CheckedAt: m.clock.Now(),
	}

	if check != nil {
		result, err := m.runHealthCheck(ctx, check)
		if err != nil {
			m.logger.Warn("health check failed",
				"service", name,
				"error", err)

			health.Healthy = false
		} else {
			health.Healthy = health.Healthy && result.Healthy
			health.Message = result.Message
			health.ResponseTime = result.ResponseTime
		}
	}

	return health, nil
}

// runHealthCheck invokes a probe with panic recovery and fills in the
// response time when the probe did not measure its own.
func (m *HealthMonitor) runHealthCheck(ctx context.Context, check HealthCheckFunc) (result HealthCheckResult, err error) {
	start := m.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()

	result, err = check(ctx)
	if err != nil {
		return HealthCheckResult{}, err
	}

	if result.ResponseTime == 0 {
		result.ResponseTime = m.clock.Since(start)
	}

	return result, nil
}

// CheckAllServices computes health snapshots for every registered service,
// in service-name order. A service whose check cannot be computed is logged
// and skipped rather than aborting the scan, so one flaky entry never blinds
// the whole view; the result may therefore be partial.
func (m *HealthMonitor) CheckAllServices(ctx context.Context) []ServiceHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)

	healths := make([]ServiceHealth, 0, len(names))

	for _, name := range names {
		health, err := m.CheckServiceHealth(ctx, name)
		if err != nil {
			m.logger.Warn("skipping service in health scan",
				"service", name,
				"error", err)

			continue
		}

		healths = append(healths, health)
	}

	return healths
}

// SystemHealth aggregates CheckAllServices into a single verdict: healthy
// when no registered service is unhealthy.
func (m *HealthMonitor) SystemHealth(ctx context.Context) SystemHealth {
	services := m.CheckAllServices(ctx)

	unhealthy := 0
	for _, service := range services {
		if !service.Healthy {
			unhealthy++
		}
	}

	return SystemHealth{
		Healthy:        unhealthy == 0,
		HealthyCount:   len(services) - unhealthy,
		UnhealthyCount: unhealthy,
		Services:       services,
		CheckedAt:      m.clock.Now(),
	}
}

// StartMonitoring begins a periodic background sweep that checks every
// registered service and logs a warning enumerating any unhealthy ones.
// A non-positive interval falls back to DefaultMonitorInterval. Calling
// StartMonitoring while a sweep task is already running is a logged no-op;
// two concurrent sweep timers are never started.
func (m *HealthMonitor) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.stopChan != nil {
		m.logger.Warn("health monitoring already running")
		return
	}

	m.stopChan = make(chan struct{})
	m.wg.Add(1)

	go m.monitorLoop(m.stopChan, interval)

	m.logger.Info("health monitoring started", "interval", interval)
}

// StopMonitoring cancels the periodic sweep, waiting for an in-flight sweep
// to finish rather than interrupting it mid-check. Calling StopMonitoring
// when no sweep is running is a no-op.
func (m *HealthMonitor) StopMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.stopChan == nil {
		return
	}

	close(m.stopChan)
	m.wg.Wait()
	m.stopChan = nil

	m.logger.Info("health monitoring stopped")
}

func (m *HealthMonitor) monitorLoop(stop <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.sweep()
		case <-stop:
			return
		}
	}
}

// sweep runs one monitoring pass. Services that fail to evaluate are simply
// absent from the pass, per CheckAllServices; no retries or backoff.
func (m *HealthMonitor) sweep() {
	var unhealthy []string

	for _, health := range m.CheckAllServices(context.Background()) {
		if !health.Healthy {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%s)", health.Service, health.State))
		}
	}

	if len(unhealthy) > 0 {
		m.logger.Warn("unhealthy services detected", "services", unhealthy)
	}
}

// ResetCircuitBreaker forces the named breaker closed via its own Reset,
// triggering that breaker's normal transition side effects. Returns an error
// wrapping ErrNotRegistered for an unknown name.
func (m *HealthMonitor) ResetCircuitBreaker(name string) error {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("service %q: %w", name, ErrNotRegistered)
	}

	breaker.Reset()

	return nil
}

// ResetAllCircuitBreakers forces every registered breaker closed. The
// registrations themselves are left untouched.
func (m *HealthMonitor) ResetAllCircuitBreakers() {
	m.mu.RLock()
	breakers := make([]Breaker, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}

// AllStats returns a name to stats snapshot for every registered breaker.
func (m *HealthMonitor) AllStats() map[string]Stats {
	m.mu.RLock()
	breakers := make(map[string]Breaker, len(m.breakers))
	for name, breaker := range m.breakers {
		breakers[name] = breaker
	}
	m.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for name, breaker := range breakers {
		stats[name] = breaker.Stats()
	}

	return stats
}
