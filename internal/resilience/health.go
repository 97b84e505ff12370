package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kite-connector/internal/logging"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string
	Status    HealthStatus
	Message   string
	LastCheck time.Time
	Latency   time.Duration
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: 30 * time.Second,
		CheckTimeout:  10 * time.Second,
	}
}

// HealthMonitor periodically runs registered checks and reports transitions.
type HealthMonitor struct {
	config HealthMonitorConfig
	logger zerolog.Logger

	mu              sync.RWMutex
	components      map[string]HealthCheck
	componentHealth map[string]ComponentHealth
	onChange        func(ComponentHealth)

	totalChecks  int64
	failedChecks int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor(config HealthMonitorConfig, logger zerolog.Logger) *HealthMonitor {
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 10 * time.Second
	}
	return &HealthMonitor{
		config:          config,
		logger:          logging.WithComponent(logger, "health"),
		components:      make(map[string]HealthCheck),
		componentHealth: make(map[string]ComponentHealth),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// OnChange sets the callback fired when a component changes status.
func (m *HealthMonitor) OnChange(fn func(ComponentHealth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start starts the monitoring loop. It is a no-op when already running or
// when the interval is not positive.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.config.CheckInterval <= 0 {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.monitorLoop(ctx, m.done)
}

// Stop stops the monitor and waits for the loop to exit.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *HealthMonitor) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// RunChecks runs every registered check once.
func (m *HealthMonitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	for name, check := range components {
		health := m.runOne(ctx, name, check)

		m.mu.Lock()
		prev, seen := m.componentHealth[name]
		m.componentHealth[name] = health
		m.totalChecks++
		if health.Status == HealthStatusUnhealthy {
			m.failedChecks++
		}
		onChange := m.onChange
		m.mu.Unlock()

		if seen && prev.Status == health.Status {
			continue
		}
		switch health.Status {
		case HealthStatusUnhealthy:
			m.logger.Error().Str("check", name).Str("status", string(health.Status)).Msg(health.Message)
		case HealthStatusDegraded:
			m.logger.Warn().Str("check", name).Str("status", string(health.Status)).Msg(health.Message)
		default:
			m.logger.Info().Str("check", name).Str("status", string(health.Status)).Msg(health.Message)
		}
		if onChange != nil {
			onChange(health)
		}
	}
}

func (m *HealthMonitor) runOne(ctx context.Context, name string, check HealthCheck) (health ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			health = ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("panic recovered: %v", r),
			}
		}
		health.Name = name
		health.LastCheck = time.Now()
		health.Latency = time.Since(start)
	}()
	return check(ctx)
}

// GetComponentHealth returns health for a specific component.
func (m *HealthMonitor) GetComponentHealth(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health, ok := m.componentHealth[name]
	return health, ok
}

// IsHealthy returns true if no component is unhealthy.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.componentHealth {
		if h.Status == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

// ProbeHealthCheck adapts an error-returning probe into a HealthCheck.
func ProbeHealthCheck(probe func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("probe failed: %v", err),
			}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "probe ok"}
	}
}
