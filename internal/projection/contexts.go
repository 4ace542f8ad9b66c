package projection

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
)

// ContextView is the projected state of one shared context. Keys maps each
// key to the version of its latest committed write.
type ContextView struct {
	ID         string
	Name       string
	Owner      string
	Version    uint64
	LastWriter string
	Keys       map[string]uint64
	Conflicts  int
	Deleted    bool
	UpdatedAt  time.Time
}

// Contexts projects shared context versions and conflicts. Versions only
// grow, so a late update never rolls a context back.
type Contexts struct {
	mu       sync.RWMutex
	seen     *seen
	contexts map[string]*ContextView
}

// NewContexts creates an empty shared context projection.
func NewContexts() *Contexts {
	return &Contexts{seen: newSeen(defaultSeenCapacity), contexts: make(map[string]*ContextView)}
}

func (p *Contexts) Name() string { return "projection.contexts" }

func (p *Contexts) CanProcess(e event.Event) bool {
	switch e.Type {
	case event.ContextCreated, event.ContextUpdated, event.ContextDeleted, event.ConflictDetected:
		return e.String(event.KeyContextID) != ""
	}
	return false
}

func (p *Contexts) Process(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seen.add(e.ID) {
		return nil
	}

	id := e.String(event.KeyContextID)
	v := p.contexts[id]
	if v == nil {
		v = &ContextView{ID: id, Keys: make(map[string]uint64)}
		p.contexts[id] = v
	}
	if e.Timestamp.After(v.UpdatedAt) {
		v.UpdatedAt = e.Timestamp
	}

	switch e.Type {
	case event.ContextCreated:
		v.Name = e.String(event.KeyName)
		v.Owner = e.String(event.KeyOwner)
		v.Version = max(v.Version, 1)
	case event.ContextUpdated:
		if v.Deleted {
			return nil
		}
		version := uint64(e.Int(event.KeyVersion))
		if version > v.Version {
			v.Version = version
			v.LastWriter = e.String(event.KeyUnitID)
		}
		key := e.String(event.KeyKey)
		v.Keys[key] = max(v.Keys[key], version)
	case event.ConflictDetected:
		v.Conflicts++
	case event.ContextDeleted:
		v.Deleted = true
	}
	return nil
}

func (v *ContextView) clone() ContextView {
	out := *v
	out.Keys = maps.Clone(v.Keys)
	return out
}

// Get returns the projected context.
func (p *Contexts) Get(id string) (ContextView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.contexts[id]
	if !ok {
		return ContextView{}, false
	}
	return v.clone(), true
}

// List returns every projected context that has not been deleted, ordered by id.
func (p *Contexts) List() []ContextView {
	p.mu.RLock()
	out := make([]ContextView, 0, len(p.contexts))
	for _, v := range p.contexts {
		if !v.Deleted {
			out = append(out, v.clone())
		}
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b ContextView) int { return strings.Compare(a.ID, b.ID) })
	return out
}
