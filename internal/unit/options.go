package unit

import (
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Option configures a Manager.
type Option func(*Manager)

// WithBus attaches the event bus used for lifecycle events.
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithConfig overrides the default limits. Zero fields keep defaults,
// except CheckInterval where zero disables the periodic policy check.
func WithConfig(c Config) Option {
	return func(m *Manager) {
		d := m.cfg
		if c.MaxUnits > 0 {
			d.MaxUnits = c.MaxUnits
		}
		if c.DefaultSpaceName != "" {
			d.DefaultSpaceName = c.DefaultSpaceName
		}
		if c.HistoryLimit > 0 {
			d.HistoryLimit = c.HistoryLimit
		}
		if c.RecentlyClosedLimit > 0 {
			d.RecentlyClosedLimit = c.RecentlyClosedLimit
		}
		if c.Kind != "" {
			d.Kind = c.Kind
		}
		if c.Workers > 0 {
			d.Workers = c.Workers
		}
		d.CheckInterval = c.CheckInterval
		m.cfg = d
	}
}

// WithPolicy sets the suspension policy.
func WithPolicy(p *Policy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy.Store(p)
		}
	}
}

// WithCollaboration sets the checker that protects units taking part in
// an active collaboration session from suspension.
func WithCollaboration(c CollaborationChecker) Option {
	return func(m *Manager) { m.collab = c }
}
