// Package monitor sweeps the registry for sessions that stopped talking.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/protocol"
	"github.com/Tyrowin/relay/internal/registry"
)

// Policy decides what happens to an idle session.
type Policy string

// Idle policies.
const (
	// PolicyDemote sets the session's status to IDLE and keeps it connected.
	PolicyDemote Policy = "demote"
	// PolicyEvict deregisters the session and closes its connection.
	PolicyEvict Policy = "evict"
)

// ParsePolicy accepts "demote" or "evict" in any casing.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDemote, PolicyEvict:
		return p, nil
	}
	return "", fmt.Errorf("monitor: unknown idle policy %q", s)
}

// Config holds the sweep parameters.
type Config struct {
	IdleThreshold time.Duration
	SweepInterval time.Duration
	Policy        Policy
}

// Result lists the names acted on by one sweep.
type Result struct {
	Demoted []string
	Evicted []string
}

// Monitor periodically applies the idle policy to every alive session.
type Monitor struct {
	reg *registry.Registry
	cfg Config
	now func() time.Time
	log *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// New creates a monitor over reg. Zero config values fall back to a 60s
// threshold, a 30s sweep and the demote policy.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Monitor {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDemote
	}
	m := &Monitor{
		reg: reg,
		cfg: cfg,
		now: time.Now,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the sweep every SweepInterval.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	spec := "@every " + m.cfg.SweepInterval.String()
	if _, err := c.AddFunc(spec, func() { m.Sweep(m.now()) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	m.cron = c

	m.log.Info("inactivity monitor started",
		zap.Duration("idle_threshold", m.cfg.IdleThreshold),
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.String("policy", string(m.cfg.Policy)),
	)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish, or for
// ctx to expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		m.log.Info("inactivity monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep applies the idle policy to every session silent for longer than
// the threshold as of now.
func (m *Monitor) Sweep(now time.Time) Result {
	cutoff := now.Add(-m.cfg.IdleThreshold)
	var result Result

	for _, s := range m.reg.Sessions() {
		if !s.LastActivity.Before(cutoff) {
			continue
		}
		switch m.cfg.Policy {
		case PolicyEvict:
			if m.evict(s, cutoff, now) {
				result.Evicted = append(result.Evicted, s.Name)
			}
		default:
			if m.reg.DemoteIfIdle(s.ID, cutoff) {
				m.log.Info("session demoted to idle",
					zap.String("session_id", s.ID.String()),
					zap.String("name", s.Name),
					zap.Duration("idle_for", s.IdleFor(now)),
				)
				result.Demoted = append(result.Demoted, s.Name)
			}
		}
	}
	return result
}

func (m *Monitor) evict(s registry.Session, cutoff, now time.Time) bool {
	evicted, ok := m.reg.EvictIfIdle(s.ID, cutoff)
	if !ok {
		return false
	}
	m.log.Info("session evicted for inactivity",
		zap.String("session_id", evicted.ID.String()),
		zap.String("name", evicted.Name),
		zap.Duration("idle_for", evicted.IdleFor(now)),
	)
	if evicted.Conn == nil {
		return true
	}
	if err := evicted.Conn.Send(protocol.Error(protocol.ReasonIdleTimeout)); err != nil {
		m.log.Debug("idle notice failed", zap.String("name", evicted.Name), zap.Error(err))
	}
	if err := evicted.Conn.Close(); err != nil {
		m.log.Debug("close after eviction failed", zap.String("name", evicted.Name), zap.Error(err))
	}
	return true
}
