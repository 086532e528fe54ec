package session

import (
	"context"
	"time"

	"github.com/danmuck/mllp/internal/logging"
	"github.com/rs/zerolog"
)

const (
	minSweepInterval = 10 * time.Millisecond
	maxSweepInterval = time.Second
)

// IdleMonitor periodically reaps registry connections that have been
// inactive for longer than the idle timeout.
type IdleMonitor struct {
	registry *Registry
	timeout  time.Duration
	strategy IdleStrategy
	interval time.Duration
	onReap   func(*Conn, IdleStrategy)
	log      zerolog.Logger
}

type IdleMonitorOption func(*IdleMonitor)

// WithReapHook is called after each connection the monitor terminates.
func WithReapHook(fn func(*Conn, IdleStrategy)) IdleMonitorOption {
	return func(m *IdleMonitor) {
		m.onReap = fn
	}
}

func WithSweepInterval(d time.Duration) IdleMonitorOption {
	return func(m *IdleMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func NewIdleMonitor(registry *Registry, timeout time.Duration, strategy IdleStrategy, opts ...IdleMonitorOption) *IdleMonitor {
	if strategy != IdleClose {
		strategy = IdleReset
	}
	m := &IdleMonitor{
		registry: registry,
		timeout:  timeout,
		strategy: strategy,
		interval: sweepInterval(timeout),
		log:      logging.Component("session.idle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sweepInterval(timeout time.Duration) time.Duration {
	d := timeout / 4
	if d < minSweepInterval {
		return minSweepInterval
	}
	if d > maxSweepInterval {
		return maxSweepInterval
	}
	return d
}

func (m *IdleMonitor) Enabled() bool {
	return m != nil && m.timeout > 0
}

// Run sweeps until ctx is done. It returns immediately when the monitor is
// disabled.
func (m *IdleMonitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep acts on every connection idle at now and returns how many it
// terminated.
func (m *IdleMonitor) Sweep(now time.Time) int {
	if !m.Enabled() {
		return 0
	}
	n := 0
	for _, c := range m.registry.Snapshot() {
		if c.Closed() {
			m.registry.Untrack(c)
			continue
		}
		if !c.ReapIfIdle(now, m.timeout, m.strategy) {
			continue
		}
		m.registry.Untrack(c)
		n++
		m.log.Info().
			Str("conn_id", c.ID()).
			Str("remote", c.RemoteAddr().String()).
			Str("strategy", string(m.strategy)).
			Dur("idle", now.Sub(c.LastActivity())).
			Msg("session.idle reaped connection")
		if m.onReap != nil {
			m.onReap(c, m.strategy)
		}
	}
	return n
}
