package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig bounds the log file.
type RotationConfig struct {
	// MaxSizeMB rotates the file once a write would push it past this
	// size. Zero never rotates.
	MaxSizeMB int
	// MaxBackups is how many rotated files (name.1 is newest) are kept.
	MaxBackups int
}

// DefaultRotationConfig keeps three 10 MB backups.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

var errWriterClosed = errors.New("log writer is closed")

// RotatingWriter is a size-bounded append-only log file. It is safe for
// concurrent use.
type RotatingWriter struct {
	path    string
	limit   int64
	backups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending, creating it and its parent
// directories as needed.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:    path,
		limit:   int64(cfg.MaxSizeMB) << 20,
		backups: cfg.MaxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file %s: %w", w.path, err)
	}
	w.f, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) full(n int) bool {
	return w.limit > 0 && w.size > 0 && w.size+int64(n) > w.limit
}

// Write appends p, rotating first when p would not fit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, errWriterClosed
	}
	if w.full(len(p)) {
		if err := w.rotate(); err != nil {
			// The entry still goes to whichever file is open.
			fmt.Fprintf(os.Stderr, "switchyard: log rotation failed: %v\n", err)
			if w.f == nil {
				return 0, err
			}
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate closes the file, shifts name.N to name.N+1 dropping the oldest,
// moves the file to name.1 and reopens. Callers hold mu.
func (w *RotatingWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	w.f = nil

	if w.backups <= 0 {
		_ = os.Remove(w.path)
		return w.open()
	}
	_ = os.Remove(w.backup(w.backups))
	for i := w.backups - 1; i >= 1; i-- {
		_ = os.Rename(w.backup(i), w.backup(i+1))
	}
	renameErr := os.Rename(w.path, w.backup(1))
	if err := w.open(); err != nil {
		return err
	}
	if renameErr != nil {
		return fmt.Errorf("move log file to backup: %w", renameErr)
	}
	return nil
}

func (w *RotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	return errors.Join(f.Sync(), f.Close())
}

// CurrentSize is the size in bytes of the active file.
func (w *RotatingWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *RotatingWriter) FilePath() string { return w.path }
