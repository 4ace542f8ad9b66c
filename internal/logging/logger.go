package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels accepted by the constructors.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// FileName is the log file created inside the log directory.
const FileName = "switchyard.log"

// Logger writes JSON lines through log/slog. Children created with the
// With* methods share the parent's output. It is safe for concurrent use.
type Logger struct {
	sl   *slog.Logger
	sink *sink
}

// sink owns the log file so that closing any logger in a family closes
// it exactly once.
type sink struct {
	mu   sync.Mutex
	file *RotatingWriter
}

// NewLogger creates a Logger writing to {dir}/switchyard.log with the
// default rotation settings. An empty dir logs to stderr.
//
// Levels are DEBUG, INFO, WARN and ERROR; anything else means INFO.
func NewLogger(dir string, level string) (*Logger, error) {
	return NewLoggerWithRotation(dir, level, DefaultRotationConfig())
}

// NewLoggerWithRotation is NewLogger with explicit rotation settings.
func NewLoggerWithRotation(dir string, level string, rotation RotationConfig) (*Logger, error) {
	if dir == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	file, err := NewRotatingWriter(filepath.Join(dir, FileName), rotation)
	if err != nil {
		return nil, err
	}
	l := NewWriterLogger(file, level)
	l.sink.file = file
	return l, nil
}

// NewWriterLogger creates a Logger writing to w. Close leaves w open.
func NewWriterLogger(w io.Writer, level string) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
	return &Logger{sl: slog.New(h), sink: &sink{}}
}

func slogLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) child(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...), sink: l.sink}
}

// WithComponent tags entries with the emitting component ("bus", "ipc",
// "supervisor", ...).
func (l *Logger) WithComponent(name string) *Logger { return l.child("component", name) }

func (l *Logger) WithUnit(unitID string) *Logger { return l.child("unit_id", unitID) }

func (l *Logger) WithProcess(processID string) *Logger { return l.child("process_id", processID) }

func (l *Logger) WithSpace(spaceID string) *Logger { return l.child("space_id", spaceID) }

// WithSession tags entries with a collaboration session id.
func (l *Logger) WithSession(sessionID string) *Logger { return l.child("session_id", sessionID) }

// With tags entries with alternating key/value pairs. Without arguments it
// returns l itself.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return l.child(args...)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }

func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args) }

func (l *Logger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args) }

func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l *Logger) log(level slog.Level, msg string, args []any) {
	l.sl.Log(context.Background(), level, msg, args...)
}

// Close syncs and closes the log file, if any. It is idempotent and may be
// called on any logger of the family.
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file == nil {
		return nil
	}
	err := l.sink.file.Close()
	l.sink.file = nil
	return err
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

// ParseLevel maps a level name in any case to one of the Level constants,
// falling back to LevelInfo.
func ParseLevel(level string) string {
	switch l := strings.ToUpper(level); l {
	case LevelDebug, LevelWarn, LevelError:
		return l
	default:
		return LevelInfo
	}
}

// ValidLevels lists the level names from most to least verbose.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
