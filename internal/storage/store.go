// Package storage provides the persistence collaborator of the switchyard
// core: an opaque key/value blob store for suspended-unit state and space
// exports, plus an event journal that the bus can mirror published events
// into.
//
// Two implementations are provided. MemoryStore keeps everything in
// process and is used by tests and ephemeral hosts. SQLiteStore persists to
// a single SQLite file through modernc.org/sqlite and manages its schema
// with versioned migrations.
package storage

import (
	"context"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
)

// BlobInfo describes a stored blob without its contents.
type BlobInfo struct {
	Key       string
	Size      int
	UpdatedAt time.Time
}

// BlobStore is an opaque key/value store. Loading a missing key returns an
// error matching errors.ErrNotFound.
type BlobStore interface {
	SaveBlob(ctx context.Context, key string, data []byte) error
	LoadBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error
	ListBlobs(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// JournalEntry is a persisted event.
type JournalEntry struct {
	Seq       int64
	ID        string
	Type      string
	Source    string
	Priority  string
	Timestamp time.Time
	Payload   map[string]any
}

// Store is the full persistence surface used by the host.
type Store interface {
	BlobStore
	event.Journal
	RecentEvents(ctx context.Context, limit int) ([]JournalEntry, error)
	Close() error
}

// Blob key prefixes shared by the components that persist data.
const (
	PrefixUnitState   = "unit-state/"
	PrefixSpaceExport = "space-export/"
)
