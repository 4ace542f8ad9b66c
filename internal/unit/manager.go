package unit

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
	"github.com/Iron-Ham/switchyard/internal/storage"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
)

// Source is the event source name of the manager.
const Source = "units"

// Processes is the part of the supervisor the manager depends on.
type Processes interface {
	Acquire(ctx context.Context, kind engine.Kind, cfg engine.Config, unitID, url string) (supervisor.ProcessRecord, error)
	ReleaseUnit(ctx context.Context, processID, unitID string, destroyEmpty bool) error
	Get(processID string) (supervisor.ProcessRecord, error)
	Navigate(ctx context.Context, processID, unitID, url string) error
	ExtractContent(ctx context.Context, processID, unitID string, opts engine.ExtractOptions) (engine.Content, error)
	OnOrphans(h supervisor.OrphanHandler)
}

// CollaborationChecker reports whether a unit takes part in an active
// collaboration session.
type CollaborationChecker interface {
	InActiveSession(unitID string) bool
}

type record struct {
	u       Unit
	seq     uint64
	pending bool
	busy    bool
	back    []string
	forward []string

	// orphaned is the process that died while the unit was claimed.
	orphaned string
}

func (r *record) snapshot() Unit {
	u := r.u.clone()
	u.CanGoBack = len(r.back) > 0
	u.CanForward = len(r.forward) > 0
	return u
}

type spaceRec struct {
	Space
	closing bool
}

// Manager owns every unit, group and space. All methods are safe for
// concurrent use; no lock is held across supervisor, store or bus calls.
type Manager struct {
	procs  Processes
	store  storage.BlobStore
	bus    *event.Bus
	logger *logging.Logger
	cfg    Config
	collab CollaborationChecker
	policy atomic.Pointer[Policy]

	mu           sync.Mutex
	units        map[string]*record
	spaces       map[string]*spaceRec
	spaceOrder   []string
	groups       map[string]*Group
	defaultSpace string
	current      string
	closed       []ClosedUnit
	seq          uint64

	suspensions  atomic.Uint64
	restorations atomic.Uint64

	pressure    chan struct{}
	pressureSub *event.Subscription

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Manager backed by procs that keeps suspended state in
// store. A default space is created immediately.
func New(procs Processes, store storage.BlobStore, opts ...Option) *Manager {
	m := &Manager{
		procs:    procs,
		store:    store,
		logger:   logging.NopLogger(),
		cfg:      DefaultConfig(),
		units:    make(map[string]*record),
		spaces:   make(map[string]*spaceRec),
		groups:   make(map[string]*Group),
		pressure: make(chan struct{}, 1),
	}
	m.policy.Store(NewPolicy())
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("units")

	sp := m.addSpaceLocked(m.cfg.DefaultSpaceName, nil)
	m.defaultSpace = sp.ID
	m.current = sp.ID

	procs.OnOrphans(m.handleOrphans)
	if m.bus != nil {
		sub, err := m.bus.Subscribe(event.Filter{Types: []event.Type{event.MemoryPressure}}, m.onPressure)
		if err != nil {
			m.logger.Warn("memory pressure subscription failed", "error", err)
		}
		m.pressureSub = sub
	}
	return m
}

// Config returns the active limits.
func (m *Manager) Config() Config {
	return m.cfg
}

// Policy returns the active suspension policy.
func (m *Manager) Policy() *Policy {
	return m.policy.Load()
}

// SetPolicy replaces the suspension policy.
func (m *Manager) SetPolicy(p *Policy) {
	if p != nil {
		m.policy.Store(p)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// CreateUnit allocates a backing process and registers a unit in the
// target space.
func (m *Manager) CreateUnit(ctx context.Context, url string, opts CreateOptions) (Unit, error) {
	if url == "" {
		return Unit{}, errors.NewValidationError("url cannot be empty").WithField("url")
	}
	kind := opts.Kind
	if kind == "" {
		kind = m.cfg.Kind
	}
	if !kind.Valid() {
		return Unit{}, errors.NewValidationError("unknown process kind").WithField("kind").WithValue(string(kind))
	}

	m.mu.Lock()
	spaceID := opts.SpaceID
	if spaceID == "" {
		spaceID = m.defaultSpace
	}
	if err := m.checkSpaceLocked(spaceID); err != nil {
		m.mu.Unlock()
		return Unit{}, err
	}
	if len(m.units) >= m.cfg.MaxUnits {
		m.mu.Unlock()
		return Unit{}, errors.NewResourceExhaustedError("units", m.cfg.MaxUnits).WithCause(errors.ErrUnitLimitExceeded)
	}
	if opts.GroupID != "" {
		if g, ok := m.groups[opts.GroupID]; !ok || g.SpaceID != spaceID {
			m.mu.Unlock()
			return Unit{}, errors.NewNotFoundError("group", opts.GroupID)
		}
	}
	if opts.ParentID != "" {
		if _, ok := m.units[opts.ParentID]; !ok {
			m.mu.Unlock()
			return Unit{}, errors.NewNotFoundError("unit", opts.ParentID)
		}
	}
	now := time.Now()
	m.seq++
	rec := &record{
		seq:     m.seq,
		pending: true,
		busy:    true,
		u: Unit{
			ID:         uuid.NewString(),
			URL:        url,
			Title:      opts.Title,
			SpaceID:    spaceID,
			GroupID:    opts.GroupID,
			ParentID:   opts.ParentID,
			Kind:       kind,
			Pinned:     opts.Pinned,
			Metadata:   maps.Clone(opts.Metadata),
			CreatedAt:  now,
			LastActive: now,
		},
	}
	id := rec.u.ID
	m.units[id] = rec
	m.mu.Unlock()

	proc, err := m.procs.Acquire(ctx, kind, engine.Config{}, id, url)
	if err != nil {
		m.mu.Lock()
		delete(m.units, id)
		m.mu.Unlock()
		return Unit{}, errors.Wrapf(err, "allocating process for unit %s", id)
	}

	m.mu.Lock()
	rec.pending = false
	rec.u.ProcessID = proc.ID
	dead := m.endClaimLocked(rec)
	spaceID = rec.u.SpaceID
	if g, ok := m.groups[rec.u.GroupID]; ok && g.SpaceID == spaceID {
		g.UnitIDs = append(g.UnitIDs, id)
	} else {
		rec.u.GroupID = ""
	}
	activated := false
	if sp, ok := m.spaces[spaceID]; ok && !opts.Background {
		sp.ActiveUnitID = id
		activated = true
	}
	u := rec.snapshot()
	m.mu.Unlock()

	m.logger.WithUnit(id).Info("unit created", "space_id", spaceID, "process_id", proc.ID)
	m.publish(ctx, event.NewUnitCreatedEvent(Source, id, spaceID, url, proc.ID))
	if activated {
		m.publish(ctx, event.NewUnitActivatedEvent(Source, id, spaceID))
	}
	if dead {
		m.finishOrphan(ctx, rec)
		m.mu.Lock()
		u = rec.snapshot()
		m.mu.Unlock()
	}
	return u, nil
}

// DestroyUnit removes a unit, releasing its process. A second call fails
// with NotFound.
func (m *Manager) DestroyUnit(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, err := m.claimLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	u := rec.u
	m.mu.Unlock()

	if u.Suspended {
		if err := m.store.DeleteBlob(ctx, stateKey(id)); err != nil && !errors.Is(err, errors.ErrNotFound) {
			m.logger.WithUnit(id).Warn("delete suspended state failed", "error", err)
		}
	} else if u.ProcessID != "" {
		if err := m.procs.ReleaseUnit(ctx, u.ProcessID, id, true); err != nil && !errors.Is(err, errors.ErrNotFound) {
			m.logger.WithUnit(id).Warn("release failed", "process_id", u.ProcessID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.units, id)
	next := m.detachLocked(rec)
	m.closed = append(m.closed, ClosedUnit{
		URL:      u.URL,
		Title:    u.Title,
		SpaceID:  u.SpaceID,
		GroupID:  u.GroupID,
		Metadata: maps.Clone(u.Metadata),
		ClosedAt: time.Now(),
	})
	if over := len(m.closed) - m.cfg.RecentlyClosedLimit; over > 0 {
		m.closed = slices.Delete(m.closed, 0, over)
	}
	m.mu.Unlock()

	m.logger.WithUnit(id).Info("unit destroyed", "space_id", u.SpaceID)
	m.publish(ctx, event.NewUnitDestroyedEvent(Source, id, u.SpaceID))
	if next != "" {
		m.publish(ctx, event.NewUnitActivatedEvent(Source, next, u.SpaceID))
	}
	return nil
}

// detachLocked removes a deleted unit from its group and hands the
// space's focus to the most recently active remaining unit. It returns
// the newly activated unit id, if any.
func (m *Manager) detachLocked(rec *record) string {
	if g, ok := m.groups[rec.u.GroupID]; ok {
		g.UnitIDs = slices.DeleteFunc(g.UnitIDs, func(id string) bool { return id == rec.u.ID })
	}
	sp, ok := m.spaces[rec.u.SpaceID]
	if !ok || sp.ActiveUnitID != rec.u.ID {
		return ""
	}
	sp.ActiveUnitID = ""
	if sp.closing {
		return ""
	}
	var best *record
	for _, r := range m.units {
		if r.pending || r.u.SpaceID != sp.ID || r.u.Suspended {
			continue
		}
		if best == nil || r.u.LastActive.After(best.u.LastActive) {
			best = r
		}
	}
	if best == nil {
		return ""
	}
	sp.ActiveUnitID = best.u.ID
	return best.u.ID
}

// Activate focuses a unit, restoring it first if it is suspended and
// switching to its space if needed.
func (m *Manager) Activate(ctx context.Context, id string) error {
	u, err := m.Get(id)
	if err != nil {
		return err
	}
	if u.Suspended {
		if err := m.RestoreUnit(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	rec, ok := m.units[id]
	if !ok || rec.pending {
		m.mu.Unlock()
		return errors.NewNotFoundError("unit", id)
	}
	sp, ok := m.spaces[rec.u.SpaceID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("space", rec.u.SpaceID).WithCause(errors.ErrSpaceNotFound)
	}
	sp.ActiveUnitID = id
	rec.u.LastActive = time.Now()
	from := m.current
	m.current = sp.ID
	m.mu.Unlock()

	if from != sp.ID {
		m.publish(ctx, event.NewSpaceSwitchedEvent(Source, from, sp.ID))
	}
	m.publish(ctx, event.NewUnitActivatedEvent(Source, id, sp.ID))
	return nil
}

// Touch records activity on a unit without changing focus.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.units[id]
	if !ok || rec.pending {
		return errors.NewNotFoundError("unit", id)
	}
	rec.u.LastActive = time.Now()
	return nil
}

// SetTitle updates a unit's title.
func (m *Manager) SetTitle(ctx context.Context, id, title string) error {
	return m.update(ctx, id, "title", func(u *Unit) { u.Title = title })
}

// SetMetadata sets one metadata entry. An empty value removes the key.
func (m *Manager) SetMetadata(ctx context.Context, id, key, value string) error {
	if key == "" {
		return errors.NewValidationError("metadata key cannot be empty").WithField("key")
	}
	return m.update(ctx, id, "metadata", func(u *Unit) {
		if value == "" {
			delete(u.Metadata, key)
			return
		}
		if u.Metadata == nil {
			u.Metadata = make(map[string]string)
		}
		u.Metadata[key] = value
	})
}

// Annotate replaces a unit's content-analysis annotations.
func (m *Manager) Annotate(ctx context.Context, id string, a Annotations) error {
	a.Topics = slices.Clone(a.Topics)
	return m.update(ctx, id, "annotations", func(u *Unit) { u.Annotations = a })
}

// Pin protects a unit from automatic suspension.
func (m *Manager) Pin(ctx context.Context, id string, pinned bool) error {
	return m.update(ctx, id, "pinned", func(u *Unit) { u.Pinned = pinned })
}

func (m *Manager) update(ctx context.Context, id, field string, fn func(*Unit)) error {
	m.mu.Lock()
	rec, ok := m.units[id]
	if !ok || rec.pending {
		m.mu.Unlock()
		return errors.NewNotFoundError("unit", id)
	}
	fn(&rec.u)
	m.mu.Unlock()

	m.publish(ctx, event.NewUnitUpdatedEvent(Source, id, field))
	return nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Get returns a snapshot of a unit.
func (m *Manager) Get(id string) (Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.units[id]
	if !ok || rec.pending {
		return Unit{}, errors.NewNotFoundError("unit", id)
	}
	return rec.snapshot(), nil
}

// Exists reports whether a unit is registered.
func (m *Manager) Exists(id string) bool {
	_, err := m.Get(id)
	return err == nil
}

// List returns every unit in creation order.
func (m *Manager) List() []Unit {
	return m.ListSpace("")
}

// ListSpace returns the units of one space in creation order. An empty
// id lists every space.
func (m *Manager) ListSpace(spaceID string) []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.orderedLocked()
	out := make([]Unit, 0, len(recs))
	for _, r := range recs {
		if spaceID == "" || r.u.SpaceID == spaceID {
			out = append(out, r.snapshot())
		}
	}
	return out
}

func (m *Manager) orderedLocked() []*record {
	recs := make([]*record, 0, len(m.units))
	for _, r := range m.units {
		if !r.pending {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b *record) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return recs
}

// Stats summarizes the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Spaces:         len(m.spaces),
		Groups:         len(m.groups),
		RecentlyClosed: len(m.closed),
		Suspensions:    m.suspensions.Load(),
		Restorations:   m.restorations.Load(),
	}
	for _, r := range m.units {
		if r.pending {
			continue
		}
		st.Units++
		if r.u.Suspended {
			st.Suspended++
		} else {
			st.Active++
			st.MemoryMB += r.u.MemoryMB
		}
		if r.u.Pinned {
			st.Pinned++
		}
	}
	return st
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// claimLocked marks a unit busy for a lifecycle transition.
func (m *Manager) claimLocked(id string) (*record, error) {
	rec, ok := m.units[id]
	if !ok || rec.pending {
		return nil, errors.NewNotFoundError("unit", id)
	}
	if rec.busy {
		return nil, busyError(id)
	}
	rec.busy = true
	return rec, nil
}

// endClaimLocked clears a claim. When the unit's process died while the
// claim was held it reports true and keeps the claim; the caller then
// finishes the suspension with finishOrphan.
func (m *Manager) endClaimLocked(rec *record) bool {
	dead := rec.orphaned != "" && !rec.u.Suspended && rec.u.ProcessID == rec.orphaned
	rec.orphaned = ""
	if dead {
		return true
	}
	rec.busy = false
	return false
}

func (m *Manager) releaseClaim(ctx context.Context, id string) {
	m.mu.Lock()
	rec, ok := m.units[id]
	dead := ok && m.endClaimLocked(rec)
	m.mu.Unlock()
	if dead {
		m.finishOrphan(ctx, rec)
	}
}

func busyError(id string) error {
	return errors.NewInvalidStateError("unit", id, "another lifecycle operation is in progress").
		WithCause(errors.ErrUnitBusy).WithRetryable(true)
}

func (m *Manager) checkSpaceLocked(id string) error {
	sp, ok := m.spaces[id]
	if !ok {
		return errors.NewNotFoundError("space", id).WithCause(errors.ErrSpaceNotFound)
	}
	if sp.closing {
		return errors.NewInvalidStateError("space", id, "space is being destroyed").WithState("closing")
	}
	return nil
}

func stateKey(id string) string {
	return storage.PrefixUnitState + id
}

func (m *Manager) publish(ctx context.Context, e event.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Debug("event not published", "event_type", string(e.Type), "error", err)
	}
}
