package projection

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
)

// UnitState is the projected lifecycle state of a unit.
type UnitState string

const (
	UnitLive      UnitState = "live"
	UnitSuspended UnitState = "suspended"
	UnitDestroyed UnitState = "destroyed"
)

// UnitView is the projected state of one unit.
type UnitView struct {
	ID            string
	SpaceID       string
	URL           string
	ProcessID     string
	State         UnitState
	SuspendReason string
	Navigations   int
	UpdatedAt     time.Time
}

// UnitCounts summarizes the projected units by state.
type UnitCounts struct {
	Live      int
	Suspended int
	Destroyed int
}

type unitRec struct {
	view  UnitView
	state mark
	url   mark
}

// Units projects unit lifecycle, navigation and per-space activation.
type Units struct {
	mu     sync.RWMutex
	seen   *seen
	units  map[string]*unitRec
	active map[string]string
	marks  map[string]mark
}

// NewUnits creates an empty unit projection.
func NewUnits() *Units {
	return &Units{
		seen:   newSeen(defaultSeenCapacity),
		units:  make(map[string]*unitRec),
		active: make(map[string]string),
		marks:  make(map[string]mark),
	}
}

func (p *Units) Name() string { return "projection.units" }

func (p *Units) CanProcess(e event.Event) bool {
	switch e.Type {
	case event.UnitCreated, event.UnitDestroyed, event.UnitSuspended,
		event.UnitRestored, event.UnitNavigated, event.UnitActivated:
		return e.String(event.KeyUnitID) != ""
	}
	return false
}

func (p *Units) Process(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seen.add(e.ID) {
		return nil
	}

	id := e.String(event.KeyUnitID)
	rec := p.units[id]
	if rec == nil {
		rec = &unitRec{view: UnitView{ID: id, State: UnitLive}}
		p.units[id] = rec
	}
	v := &rec.view
	if e.Timestamp.After(v.UpdatedAt) {
		v.UpdatedAt = e.Timestamp
	}

	switch e.Type {
	case event.UnitCreated:
		// Creation may arrive after later events; it only fills in what
		// they did not carry.
		if v.SpaceID == "" {
			v.SpaceID = e.String(event.KeySpaceID)
		}
		if v.URL == "" {
			v.URL = e.String(event.KeyURL)
		}
		if v.ProcessID == "" && v.State == UnitLive {
			v.ProcessID = e.String(event.KeyProcessID)
		}
	case event.UnitDestroyed:
		v.State = UnitDestroyed
		v.ProcessID = ""
		if v.SpaceID == "" {
			v.SpaceID = e.String(event.KeySpaceID)
		}
		if p.active[v.SpaceID] == id {
			delete(p.active, v.SpaceID)
		}
	case event.UnitSuspended:
		if v.State != UnitDestroyed && rec.state.newer(e) {
			rec.state = markOf(e)
			v.State = UnitSuspended
			v.ProcessID = ""
			v.SuspendReason = e.String(event.KeyReason)
		}
	case event.UnitRestored:
		if v.State != UnitDestroyed && rec.state.newer(e) {
			rec.state = markOf(e)
			v.State = UnitLive
			v.ProcessID = e.String(event.KeyProcessID)
			v.SuspendReason = ""
		}
	case event.UnitNavigated:
		v.Navigations++
		if v.State != UnitDestroyed && rec.url.newer(e) {
			rec.url = markOf(e)
			v.URL = e.String(event.KeyURL)
		}
	case event.UnitActivated:
		space := e.String(event.KeySpaceID)
		if v.State != UnitDestroyed && p.marks[space].newer(e) {
			p.marks[space] = markOf(e)
			p.active[space] = id
		}
	}
	return nil
}

// Get returns the projected unit.
func (p *Units) Get(id string) (UnitView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.units[id]
	if !ok {
		return UnitView{}, false
	}
	return rec.view, true
}

// List returns every projected unit, destroyed ones included, ordered by id.
func (p *Units) List() []UnitView {
	p.mu.RLock()
	out := make([]UnitView, 0, len(p.units))
	for _, rec := range p.units {
		out = append(out, rec.view)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b UnitView) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Active returns the most recently activated live unit of a space.
func (p *Units) Active(spaceID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.active[spaceID]
	return id, ok
}

// Counts returns the number of units in each state.
func (p *Units) Counts() UnitCounts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var c UnitCounts
	for _, rec := range p.units {
		switch rec.view.State {
		case UnitLive:
			c.Live++
		case UnitSuspended:
			c.Suspended++
		case UnitDestroyed:
			c.Destroyed++
		}
	}
	return c
}
