// Package monitor runs the broker-session heartbeat and declares the session
// dead after repeated probe failures.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/domain"
)

// Notifier publishes the session-dead alert.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds probe cadence and the failure threshold.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

// SessionMonitor probes the broker gateway on a fixed interval, independent
// of order flow. After FailureThreshold consecutive failures it flips Alive
// to false (blocking new intents) and closes Dead so the app can arrange a
// supervised restart. Existing open orders are left untouched: this is a
// fail-safe, not a recovery mechanism.
type SessionMonitor struct {
	gateway  broker.Gateway
	cfg      Config
	notifier Notifier
	logger   *slog.Logger

	mu    sync.Mutex
	state domain.SessionState
	alive bool

	dead     chan struct{}
	deadOnce sync.Once
}

// New creates a monitor. The session starts in the alive state.
func New(gateway broker.Gateway, cfg Config, logger *slog.Logger) *SessionMonitor {
	if cfg.Interval == 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	return &SessionMonitor{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "session_monitor")),
		alive:   true,
		dead:    make(chan struct{}),
	}
}

// WithNotifier attaches the operator notification channel.
func (m *SessionMonitor) WithNotifier(n Notifier) *SessionMonitor {
	m.notifier = n
	return m
}

// Alive reports whether the session is believed healthy. The intake path
// reads this before every submission.
func (m *SessionMonitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// Dead is closed once the session has been declared dead.
func (m *SessionMonitor) Dead() <-chan struct{} {
	return m.dead
}

// State returns a copy of the current session state.
func (m *SessionMonitor) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run probes until ctx is cancelled. The first probe fires immediately.
func (m *SessionMonitor) Run(ctx context.Context) error {
	m.logger.Info("session monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("failure_threshold", m.cfg.FailureThreshold),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe performs one heartbeat. queryLimits is used as the liveness call: it
// is cheap, read-only, and exercises the authenticated session.
func (m *SessionMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	_, err := m.gateway.QueryLimits(probeCtx)
	cancel()

	m.mu.Lock()
	if err == nil {
		m.state.ConsecutiveFailures = 0
		m.state.LastSuccessfulHeartbeatAt = time.Now().UTC()
		m.mu.Unlock()
		return
	}

	m.state.ConsecutiveFailures++
	failures := m.state.ConsecutiveFailures
	declareDead := m.alive && failures >= m.cfg.FailureThreshold
	if declareDead {
		m.alive = false
	}
	m.mu.Unlock()

	m.logger.Warn("heartbeat failed",
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()),
	)

	if declareDead {
		m.logger.Error("session declared dead, blocking new intents",
			slog.Int("consecutive_failures", failures),
		)
		if m.notifier != nil {
			_ = m.notifier.Notify(ctx, "session_dead", "Broker session dead",
				"heartbeats failing, new intents blocked; restart required")
		}
		m.deadOnce.Do(func() { close(m.dead) })
	}
}
