package projection

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
)

// ProcessView is the projected state of one process.
type ProcessView struct {
	ID            string
	Kind          string
	Health        supervisor.Health
	Transitions   int
	Suspensions   int
	MemoryLimitMB int64
	CPUQuota      float64
	Destroyed     bool
	DestroyReason string
	UpdatedAt     time.Time
}

type processRec struct {
	view   ProcessView
	health mark
	limits mark
}

// Processes projects process health and resource limits.
type Processes struct {
	mu    sync.RWMutex
	seen  *seen
	procs map[string]*processRec
}

// NewProcesses creates an empty process projection.
func NewProcesses() *Processes {
	return &Processes{seen: newSeen(defaultSeenCapacity), procs: make(map[string]*processRec)}
}

func (p *Processes) Name() string { return "projection.processes" }

func (p *Processes) CanProcess(e event.Event) bool {
	switch e.Type {
	case event.ProcessCreated, event.ProcessDestroyed, event.ProcessHealthChanged,
		event.ProcessSuspended, event.ResourceAllocated:
		return e.String(event.KeyProcessID) != ""
	}
	return false
}

func (p *Processes) Process(_ context.Context, e event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seen.add(e.ID) {
		return nil
	}

	id := e.String(event.KeyProcessID)
	rec := p.procs[id]
	if rec == nil {
		rec = &processRec{view: ProcessView{ID: id}}
		p.procs[id] = rec
	}
	v := &rec.view
	if e.Timestamp.After(v.UpdatedAt) {
		v.UpdatedAt = e.Timestamp
	}

	switch e.Type {
	case event.ProcessCreated:
		v.Kind = e.String(event.KeyKind)
		if v.Health == "" {
			v.Health = supervisor.HealthHealthy
		}
	case event.ProcessHealthChanged:
		v.Transitions++
		// Dead is terminal whatever arrives after it.
		if v.Health != supervisor.HealthDead && rec.health.newer(e) {
			rec.health = markOf(e)
			v.Health = supervisor.Health(e.String(event.KeyTo))
		}
	case event.ProcessSuspended:
		v.Suspensions++
	case event.ResourceAllocated:
		if rec.limits.newer(e) {
			rec.limits = markOf(e)
			v.MemoryLimitMB = e.Int(event.KeyLimitMB)
			if q, ok := e.Value(event.KeyCPUQuota); ok {
				v.CPUQuota, _ = q.(float64)
			}
		}
	case event.ProcessDestroyed:
		v.Destroyed = true
		v.DestroyReason = e.String(event.KeyReason)
	}
	return nil
}

// Get returns the projected process.
func (p *Processes) Get(id string) (ProcessView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.procs[id]
	if !ok {
		return ProcessView{}, false
	}
	return rec.view, true
}

// List returns every projected process ordered by id.
func (p *Processes) List() []ProcessView {
	p.mu.RLock()
	out := make([]ProcessView, 0, len(p.procs))
	for _, rec := range p.procs {
		out = append(out, rec.view)
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b ProcessView) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ByHealth counts processes that have not been destroyed, by health.
func (p *Processes) ByHealth() map[supervisor.Health]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[supervisor.Health]int)
	for _, rec := range p.procs {
		if !rec.view.Destroyed {
			out[rec.view.Health]++
		}
	}
	return out
}
