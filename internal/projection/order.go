package projection

import (
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
)

// defaultSeenCapacity bounds how many event ids a processor remembers.
const defaultSeenCapacity = 4096

// mark identifies the last event applied to an entity.
type mark struct {
	at time.Time
	id string
}

func markOf(e event.Event) mark { return mark{at: e.Timestamp, id: e.ID} }

// newer reports whether e happened after m. Equal timestamps fall back to
// the event id so that every processor picks the same winner.
func (m mark) newer(e event.Event) bool {
	if !e.Timestamp.Equal(m.at) {
		return e.Timestamp.After(m.at)
	}
	return e.ID > m.id
}

// seen is a bounded set of applied event ids. The oldest id is forgotten
// once capacity is reached.
type seen struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeen(capacity int) *seen {
	if capacity < 1 {
		capacity = defaultSeenCapacity
	}
	return &seen{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

// add records id and reports whether it was new. Events without an id
// were never published and are always treated as new.
func (s *seen) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

func (s *seen) len() int { return len(s.ids) }
