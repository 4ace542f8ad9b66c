package coordination

import (
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus attaches the event bus. Context, session and permission events
// are published on it, and unit.destroyed events remove the unit from
// every context and session.
func WithBus(bus *event.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithConfig overrides the defaults. Zero fields keep defaults, except
// MessageLogSize where a negative value disables the log.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		d := c.cfg
		if cfg.DefaultPolicy != "" {
			d.DefaultPolicy = cfg.DefaultPolicy
		}
		if cfg.ConnectionIdle > 0 {
			d.ConnectionIdle = cfg.ConnectionIdle
		}
		if cfg.CleanupInterval > 0 {
			d.CleanupInterval = cfg.CleanupInterval
		}
		if cfg.DefaultMaxParticipants > 0 {
			d.DefaultMaxParticipants = cfg.DefaultMaxParticipants
		}
		if cfg.MessageLogSize != 0 {
			d.MessageLogSize = max(cfg.MessageLogSize, 0)
		}
		c.cfg = d
	}
}
