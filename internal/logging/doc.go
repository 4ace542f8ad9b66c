// Package logging provides structured logging for the switchyard core.
//
// This package wraps Go's log/slog to emit JSON-formatted logs with
// persistent context attributes. Every component receives a child logger
// tagged with its name, and operations on a unit, process or
// collaboration session add the relevant id.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer. The
// [RotatingWriter] serializes writes and rotation with a mutex.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/logs", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	busLog := logger.WithComponent("bus")
//	busLog.Warn("event dropped", "event_id", id, "priority", "low")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"event dropped","component":"bus","event_id":"...","priority":"low"}
//
// # Rotation
//
// Log files are written to {dir}/switchyard.log and rotated by size. Backups
// are numbered .1 (newest) to .N (oldest):
//
//	logger, err := logging.NewLoggerWithRotation(dir, "DEBUG", logging.RotationConfig{
//	    MaxSizeMB:  5,
//	    MaxBackups: 2,
//	})
//
// Use [NopLogger] in tests or wherever logging is disabled.
package logging
