// Package connectivity tracks whether the primary store is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pinger runs a trivial liveness query
type Pinger interface {
	Ping(ctx context.Context) error
}

// State is the surface the request paths use: read the state, or flip it offline
type State interface {
	IsOnline() bool
	MarkOffline(err error)
}

var _ State = (*Monitor)(nil)

// Config holds probe timing
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig probes every 30 seconds with a 5 second timeout
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Stats is a read-only snapshot of the monitor
type Stats struct {
	Online              bool      `json:"online"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at"`
	LastError           string    `json:"last_error,omitempty"`
	Transitions         int       `json:"transitions"`
}

// Monitor owns the process-wide online/offline state of the primary store.
// The state starts online and is corrected by the first probe.
type Monitor struct {
	pinger Pinger
	cfg    Config
	logger *logrus.Entry

	mu          sync.RWMutex
	online      bool
	failures    int
	lastProbe   time.Time
	lastErr     error
	transitions int
	onRecover   []func(context.Context)
	hookCtx     context.Context

	hooks sync.WaitGroup
}

// New creates a monitor for the primary store
func New(pinger Pinger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Monitor{
		pinger: pinger,
		cfg:    cfg,
		logger: logrus.WithField("component", "connectivity"),
		online: true,
	}
}

// OnRecover registers a hook run asynchronously on every offline to online transition
func (m *Monitor) OnRecover(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecover = append(m.onRecover, fn)
}

// IsOnline reports the last known state of the primary store
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Stats returns a snapshot of the probe counters
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Online:              m.online,
		ConsecutiveFailures: m.failures,
		LastProbeAt:         m.lastProbe,
		Transitions:         m.transitions,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Probe pings the primary once and updates the state
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	err := m.pinger.Ping(probeCtx)

	m.mu.Lock()
	m.lastProbe = time.Now()
	if err != nil {
		m.failures++
		m.lastErr = err
		m.setOfflineLocked(err)
		m.mu.Unlock()
		return false
	}
	m.failures = 0
	m.lastErr = nil
	recovered := !m.online
	m.online = true
	var hooks []func(context.Context)
	if recovered {
		m.transitions++
		hooks = append(hooks, m.onRecover...)
	}
	hookCtx := m.hookCtx
	m.mu.Unlock()

	if recovered {
		m.logger.Info("Primary store is reachable again")
		if hookCtx == nil {
			hookCtx = context.WithoutCancel(ctx)
		}
		for _, fn := range hooks {
			m.hooks.Add(1)
			go func(fn func(context.Context)) {
				defer m.hooks.Done()
				fn(hookCtx)
			}(fn)
		}
	}
	return true
}

// MarkOffline flips the state offline after a connectivity failure seen on a request path
func (m *Monitor) MarkOffline(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err
	}
	m.setOfflineLocked(err)
}

func (m *Monitor) setOfflineLocked(err error) {
	if !m.online {
		return
	}
	m.online = false
	m.transitions++
	entry := m.logger
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Primary store is unreachable, switching to offline mode")
}

// Run probes on the configured interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.hookCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.cfg.Interval).Info("Connectivity monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connectivity monitor stopped")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Wait blocks until every recovery hook started so far has returned
func (m *Monitor) Wait() {
	m.hooks.Wait()
}
