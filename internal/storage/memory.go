package storage

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

type memBlob struct {
	data      []byte
	updatedAt time.Time
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	blobs      map[string]memBlob
	journal    []JournalEntry
	journalCap int
	seq        int64
}

// NewMemoryStore creates an empty MemoryStore that keeps the most recent
// 10000 journal entries.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:      make(map[string]memBlob),
		journalCap: 10000,
	}
}

// SaveBlob stores a copy of data under key.
func (s *MemoryStore) SaveBlob(_ context.Context, key string, data []byte) error {
	if key == "" {
		return errors.NewValidationError("blob key cannot be empty").WithField("key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = memBlob{data: append([]byte(nil), data...), updatedAt: time.Now()}
	return nil
}

// LoadBlob returns a copy of the blob stored under key.
func (s *MemoryStore) LoadBlob(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, errors.NewNotFoundError("blob", key)
	}
	return append([]byte(nil), b.data...), nil
}

// DeleteBlob removes key. Deleting a missing key returns NotFound.
func (s *MemoryStore) DeleteBlob(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return errors.NewNotFoundError("blob", key)
	}
	delete(s.blobs, key)
	return nil
}

// ListBlobs returns blobs whose key starts with prefix, sorted by key.
func (s *MemoryStore) ListBlobs(_ context.Context, prefix string) ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BlobInfo
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, BlobInfo{Key: k, Size: len(b.data), UpdatedAt: b.updatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Append records e in the journal.
func (s *MemoryStore) Append(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.journal = append(s.journal, entryFromEvent(s.seq, e))
	if over := len(s.journal) - s.journalCap; over > 0 {
		s.journal = s.journal[over:]
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first.
func (s *MemoryStore) RecentEvents(_ context.Context, limit int) ([]JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.journal)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]JournalEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		e := s.journal[i]
		e.Payload = maps.Clone(e.Payload)
		out = append(out, e)
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func entryFromEvent(seq int64, e event.Event) JournalEntry {
	return JournalEntry{
		Seq:       seq,
		ID:        e.ID,
		Type:      string(e.Type),
		Source:    e.Source,
		Priority:  e.Priority.String(),
		Timestamp: e.Timestamp,
		Payload:   e.Payload(),
	}
}
