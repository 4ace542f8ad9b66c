package host

import (
	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/logging"
	"github.com/Iron-Ham/switchyard/internal/storage"
)

// Option configures a Host.
type Option func(*Host)

// WithLogger uses l instead of building a logger from the logging section.
// The host does not close an injected logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithEngine replaces the simulated rendering engine.
func WithEngine(e engine.Engine) Option {
	return func(h *Host) { h.engine = e }
}

// WithStore uses s instead of opening the configured storage driver. The
// host closes it on shutdown.
func WithStore(s storage.Store) Option {
	return func(h *Host) { h.store = s }
}
