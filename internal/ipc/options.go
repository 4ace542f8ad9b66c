package ipc

import (
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Option configures a Registry.
type Option func(*Registry)

// WithBus attaches an event bus. When set, channel.created and
// channel.destroyed events are published.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBuffer sets the per-channel queue capacity. Non-positive values are
// ignored.
func WithBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithRequestTimeout sets the timeout Request uses when the caller passes
// zero. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.requestTimeout = d
		}
	}
}
