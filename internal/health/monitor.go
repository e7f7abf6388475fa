package health

import (
	"context"
	"sync"
	"time"

	"github.com/ncecere/compass_skill/internal/config"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// Status is the outcome of the most recent check.
type Status struct {
	Healthy   bool
	Error     string
	CheckedAt time.Time
	Latency   time.Duration
}

// Monitor periodically checks the embedding provider so /healthz can answer
// without calling it inline.
type Monitor struct {
	check     CheckFunc
	interval  time.Duration
	timeout   time.Duration
	startOnce sync.Once

	mu     sync.RWMutex
	status Status
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(check CheckFunc, cfg config.HealthConfig) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timeout = min(timeout, interval)

	return &Monitor{
		check:    check,
		interval: interval,
		timeout:  timeout,
	}
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.check == nil {
		return
	}

	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

// Status returns the last recorded check. ok is false until the first check finishes.
func (m *Monitor) Status() (Status, bool) {
	if m == nil {
		return Status{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, !m.status.CheckedAt.IsZero()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial sweep
	m.runCheck(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx)
		}
	}
}

func (m *Monitor) runCheck(ctx context.Context) {
	timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := m.check(timeoutCtx)
	status := Status{
		Healthy:   err == nil,
		CheckedAt: time.Now().UTC(),
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}
