package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Health statuses reported by UpstreamMonitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// UpstreamHealth is the last known state of the remote aggregator process.
type UpstreamHealth struct {
	Target           string    `json:"target"`
	Status           string    `json:"status"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// UpstreamMonitor probes the process that hosts the aggregators when shard
// flushes leave this process. It only reports: a shard whose flush fails
// merges its counts back regardless of what the monitor thinks.
//
// The upstream is marked unhealthy after MaxFailures consecutive failed
// probes and healthy again on the first success.
type UpstreamMonitor struct {
	check    func(ctx context.Context) error
	clock    clock.WithTicker
	log      logr.Logger
	interval time.Duration
	timeout  time.Duration

	// MaxFailures is read by probe; set it before Start.
	MaxFailures int

	mu          sync.RWMutex
	health      UpstreamHealth
	onUnhealthy func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUpstreamMonitor returns a monitor that calls check every interval.
// A nil clock uses the real clock.
func NewUpstreamMonitor(target string, check func(ctx context.Context) error, interval time.Duration, c clock.WithTicker, log logr.Logger) *UpstreamMonitor {
	if c == nil {
		c = clock.RealClock{}
	}
	return &UpstreamMonitor{
		check:       check,
		clock:       c,
		log:         log.WithName("upstream").WithValues("target", target),
		interval:    interval,
		timeout:     2 * time.Second,
		MaxFailures: 3,
		health:      UpstreamHealth{Target: target, Status: StatusUnknown},
	}
}

// SetOnUnhealthy registers a callback run, on its own goroutine, each time
// the upstream turns unhealthy.
func (m *UpstreamMonitor) SetOnUnhealthy(fn func()) {
	m.mu.Lock()
	m.onUnhealthy = fn
	m.mu.Unlock()
}

// Start probes once immediately and then every interval until ctx is done
// or Stop is called. It returns without blocking.
func (m *UpstreamMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ticker := m.clock.NewTicker(m.interval)

	go func() {
		defer close(m.done)
		defer ticker.Stop()

		m.log.Info("upstream monitor started", "interval", m.interval)
		m.Probe(ctx)
		for {
			select {
			case <-ticker.C():
				m.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the probe loop and waits for it.
func (m *UpstreamMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.log.Info("upstream monitor stopped")
}

// Probe runs one check and updates the health.
func (m *UpstreamMonitor) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.check(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.health.LastCheck = now
	if err == nil {
		if m.health.Status == StatusUnhealthy {
			m.log.Info("upstream recovered")
		}
		m.health.Status = StatusHealthy
		m.health.ConsecutiveFails = 0
		m.health.LastHealthy = now
		return
	}

	m.health.ConsecutiveFails++
	m.log.V(1).Info("upstream probe failed", "attempt", m.health.ConsecutiveFails, "error", err.Error())
	if m.health.ConsecutiveFails < m.MaxFailures || m.health.Status == StatusUnhealthy {
		return
	}
	m.health.Status = StatusUnhealthy
	m.log.Error(err, "upstream unhealthy", "failures", m.health.ConsecutiveFails)
	if m.onUnhealthy != nil {
		go m.onUnhealthy()
	}
}

// Health returns a copy of the last known state.
func (m *UpstreamMonitor) Health() UpstreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}
