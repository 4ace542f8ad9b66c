package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// SQLiteStore persists blobs and the event journal in one SQLite file.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
	closeErr  error
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.NewValidationError("database path cannot be empty").WithField("path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// DB exposes the underlying handle for migrations and diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database. Subsequent calls return the first result.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}

// SaveBlob inserts or replaces the blob stored under key.
func (s *SQLiteStore) SaveBlob(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errors.NewValidationError("blob key cannot be empty").WithField("key")
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs(key, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("save blob %s: %w", key, err)
	}
	return nil
}

// LoadBlob returns the blob stored under key.
func (s *SQLiteStore) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("blob", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", key, err)
	}
	return data, nil
}

// DeleteBlob removes key. Deleting a missing key returns NotFound.
func (s *SQLiteStore) DeleteBlob(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	if n == 0 {
		return errors.NewNotFoundError("blob", key)
	}
	return nil
}

// ListBlobs returns blobs whose key starts with prefix, sorted by key.
func (s *SQLiteStore) ListBlobs(ctx context.Context, prefix string) ([]BlobInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, length(data), updated_at FROM blobs
WHERE substr(key, 1, ?) = ?
ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var out []BlobInfo
	for rows.Next() {
		var (
			info    BlobInfo
			updated string
		)
		if err := rows.Scan(&info.Key, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		if info.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Append records e in the event journal. Re-appending an event id is a
// no-op.
func (s *SQLiteStore) Append(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO event_journal(event_id, event_type, source, priority, ts, payload_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`,
		e.ID, string(e.Type), e.Source, e.Priority.String(), ts(e.Timestamp), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first. A
// non-positive limit returns every entry.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, event_id, event_type, source, priority, ts, payload_json
FROM event_journal ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			entry   JournalEntry
			stamp   string
			payload string
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Type, &entry.Source, &entry.Priority, &stamp, &payload); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if entry.Timestamp, err = parseTS(stamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Open returns the store selected by driver ("memory" or "sqlite").
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, path)
	default:
		return nil, errors.NewValidationError("unknown storage driver").WithField("driver").WithValue(driver)
	}
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}
