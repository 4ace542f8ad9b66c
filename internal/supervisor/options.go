package supervisor

import (
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBus attaches the event bus used for process and health events.
func WithBus(bus *event.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithLogger sets the supervisor logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConfig overrides the default thresholds. Zero fields keep defaults.
func WithConfig(c Config) Option {
	return func(s *Supervisor) {
		d := s.cfg
		if c.MonitorInterval > 0 {
			d.MonitorInterval = c.MonitorInterval
		}
		if c.OptimizeInterval > 0 {
			d.OptimizeInterval = c.OptimizeInterval
		}
		if c.SpawnTimeout > 0 {
			d.SpawnTimeout = c.SpawnTimeout
		}
		if c.DegradedMemoryMB > 0 {
			d.DegradedMemoryMB = c.DegradedMemoryMB
		}
		if c.CriticalCPUPercent > 0 {
			d.CriticalCPUPercent = c.CriticalCPUPercent
		}
		if c.IdleMemoryMB > 0 {
			d.IdleMemoryMB = c.IdleMemoryMB
		}
		if c.DeadGrace > 0 {
			d.DeadGrace = c.DeadGrace
		}
		if c.MaxUnitsPerProcess > 0 {
			d.MaxUnitsPerProcess = c.MaxUnitsPerProcess
		}
		if c.MemoryLimitMB > 0 {
			d.MemoryLimitMB = c.MemoryLimitMB
		}
		s.cfg = d
	}
}
