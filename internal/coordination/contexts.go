package coordination

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// stamp records the commit that last wrote a key.
type stamp struct {
	version uint64
	by      string
	at      time.Time
}

type contextRec struct {
	sc     SharedContext
	read   map[string]bool
	write  map[string]bool
	admin  map[string]bool
	stamps map[string]stamp
	// seen is the latest version each unit observed by reading or writing.
	seen map[string]uint64
}

func (r *contextRec) isParticipant(unitID string) bool {
	return slices.Contains(r.sc.Participants, unitID)
}

func (r *contextRec) canRead(unitID string) bool {
	return r.sc.Permissions.Public || r.read[unitID] || r.write[unitID] || r.admin[unitID]
}

func (r *contextRec) canWrite(unitID string) bool {
	return r.isParticipant(unitID) && (r.write[unitID] || r.admin[unitID])
}

func (r *contextRec) isAdmin(unitID string) bool {
	return r.isParticipant(unitID) && r.admin[unitID]
}

// grant adds unitID as a participant with the given access. Admin implies
// write and write implies read.
func (r *contextRec) grant(unitID string, a Access) {
	if !r.isParticipant(unitID) {
		r.sc.Participants = append(r.sc.Participants, unitID)
	}
	r.read[unitID] = true
	switch a {
	case AccessAdmin:
		r.admin[unitID] = true
		r.write[unitID] = true
	case AccessWrite:
		r.write[unitID] = true
	}
}

// setAccess replaces a participant's access. The owner is left alone.
func (r *contextRec) setAccess(unitID string, a Access) {
	if unitID == r.sc.Owner {
		return
	}
	delete(r.admin, unitID)
	delete(r.write, unitID)
	r.grant(unitID, a)
}

func (r *contextRec) drop(unitID string) {
	r.sc.Participants = slices.DeleteFunc(r.sc.Participants, func(s string) bool { return s == unitID })
	delete(r.read, unitID)
	delete(r.write, unitID)
	delete(r.admin, unitID)
	delete(r.seen, unitID)
}

func (r *contextRec) observe(unitID string) {
	r.seen[unitID] = r.sc.Version
}

// successor picks the next owner when leaving departs: the first other
// admin, else the first other participant.
func (r *contextRec) successor(leaving string) string {
	var fallback string
	for _, p := range r.sc.Participants {
		if p == leaving {
			continue
		}
		if r.admin[p] {
			return p
		}
		if fallback == "" {
			fallback = p
		}
	}
	return fallback
}

func (r *contextRec) snapshot() SharedContext {
	sc := r.sc
	sc.Participants = slices.Clone(r.sc.Participants)
	sc.Data = maps.Clone(r.sc.Data)
	sc.Permissions = Permissions{
		Read:   members(r.read),
		Write:  members(r.write),
		Admin:  members(r.admin),
		Public: r.sc.Permissions.Public,
	}
	return sc
}

func members(set map[string]bool) []string {
	return slices.Sorted(maps.Keys(set))
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}

// CreateSharedContext creates a context owned by spec.Owner. Without
// explicit permissions the owner holds read, write and admin; with them,
// the owner is still a participant and so is every unit they name.
func (c *Coordinator) CreateSharedContext(ctx context.Context, spec ContextSpec) (SharedContext, error) {
	if spec.Owner == "" {
		return SharedContext{}, errors.NewValidationError("context owner cannot be empty").WithField("owner")
	}
	if spec.Name == "" {
		return SharedContext{}, errors.NewValidationError("context name cannot be empty").WithField("name")
	}
	policy := spec.Policy
	if policy == "" {
		policy = c.cfg.DefaultPolicy
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return SharedContext{}, err
	}
	if c.units != nil {
		if _, err := c.units.Get(spec.Owner); err != nil {
			return SharedContext{}, err
		}
	}

	now := time.Now()
	rec := &contextRec{
		sc: SharedContext{
			ID:           uuid.NewString(),
			Name:         spec.Name,
			Owner:        spec.Owner,
			Participants: []string{spec.Owner},
			Data:         maps.Clone(spec.Data),
			Policy:       policy,
			Version:      1,
			CreatedAt:    now,
			LastModified: now,
		},
		stamps: make(map[string]stamp, len(spec.Data)),
		seen:   make(map[string]uint64),
	}
	if rec.sc.Data == nil {
		rec.sc.Data = make(map[string]any)
	}
	for k := range rec.sc.Data {
		rec.stamps[k] = stamp{version: 1, by: spec.Owner, at: now}
	}
	if p := spec.Permissions; p != nil {
		rec.read, rec.write, rec.admin = toSet(p.Read), toSet(p.Write), toSet(p.Admin)
		rec.sc.Permissions.Public = p.Public
		for _, id := range slices.Concat(p.Admin, p.Write, p.Read) {
			if id != "" && !rec.isParticipant(id) {
				rec.sc.Participants = append(rec.sc.Participants, id)
			}
		}
	} else {
		rec.read, rec.write, rec.admin = toSet(nil), toSet(nil), toSet(nil)
		rec.grant(spec.Owner, AccessAdmin)
	}

	c.mu.Lock()
	c.contexts[rec.sc.ID] = rec
	snap := rec.snapshot()
	c.mu.Unlock()

	c.logger.Info("shared context created", "context_id", snap.ID, "name", snap.Name, "owner", snap.Owner)
	c.publish(ctx, event.NewContextCreatedEvent(source, snap.ID, snap.Name, snap.Owner))
	return snap, nil
}

func (c *Coordinator) contextLocked(id string) (*contextRec, error) {
	rec, ok := c.contexts[id]
	if !ok {
		return nil, errors.NewNotFoundError("shared context", id)
	}
	return rec, nil
}

// ReadSharedContext returns a snapshot of a context the unit may read.
func (c *Coordinator) ReadSharedContext(contextID, unitID string) (SharedContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.contextLocked(contextID)
	if err != nil {
		return SharedContext{}, err
	}
	if !rec.canRead(unitID) {
		return SharedContext{}, errors.NewPermissionDeniedError(unitID, "read", "context "+contextID)
	}
	rec.observe(unitID)
	return rec.snapshot(), nil
}

// GetSharedData returns one value of a context the unit may read.
func (c *Coordinator) GetSharedData(contextID, unitID, key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.contextLocked(contextID)
	if err != nil {
		return nil, err
	}
	if !rec.canRead(unitID) {
		return nil, errors.NewPermissionDeniedError(unitID, "read", "context "+contextID)
	}
	rec.observe(unitID)
	v, ok := rec.sc.Data[key]
	if !ok {
		return nil, errors.NewNotFoundError("context key", key)
	}
	return v, nil
}

// UpdateSharedData writes one key. The writer must be a participant with
// write or admin access.
//
// If another unit committed the key after u.BaseVersion the write is a
// conflict. A zero BaseVersion stands for the last version the writer
// observed, so a unit overwriting a value it never saw conflicts too. A
// conflict is settled by the context's policy and always recorded. Under
// PolicyManual nothing is committed and the ConflictError carries the
// record. A committed write bumps Version by one and is announced to the
// other participants once the lock is released.
func (c *Coordinator) UpdateSharedData(ctx context.Context, u Update) (UpdateResult, error) {
	if u.Key == "" {
		return UpdateResult{}, errors.NewValidationError("key cannot be empty").WithField("key")
	}

	c.mu.Lock()
	rec, err := c.contextLocked(u.ContextID)
	if err != nil {
		c.mu.Unlock()
		return UpdateResult{}, err
	}
	if !rec.canWrite(u.UnitID) {
		c.mu.Unlock()
		return UpdateResult{}, errors.NewPermissionDeniedError(u.UnitID, "write", "context "+u.ContextID)
	}

	now := time.Now()
	res := UpdateResult{Committed: true}
	var events []event.Event
	base := u.BaseVersion
	if base == 0 {
		base = rec.seen[u.UnitID]
	}
	if st, ok := rec.stamps[u.Key]; ok && st.version > base && st.by != u.UnitID {
		stored := rec.sc.Data[u.Key]
		cr := ConflictRecord{
			ID:        uuid.NewString(),
			ContextID: u.ContextID,
			Key:       u.Key,
			Candidates: []Candidate{
				{UnitID: st.by, Value: stored, At: st.at},
				{UnitID: u.UnitID, Value: u.Value, At: now},
			},
			Method:    rec.sc.Policy,
			CreatedAt: now,
		}
		switch rec.sc.Policy {
		case PolicyManual:
			res.Committed = false
		case PolicyOwnerPriority:
			// A stored owner value beats any other writer.
			if st.by == rec.sc.Owner {
				res.Committed = false
			}
		}
		if rec.sc.Policy != PolicyManual {
			cr.Resolved = true
			cr.ResolvedValue = stored
			if res.Committed {
				cr.ResolvedValue = u.Value
			}
		}
		c.conflicts = append(c.conflicts, cr)
		res.Conflict = cloneRecord(&cr)
		events = append(events, event.NewConflictDetectedEvent(source, u.ContextID, u.Key, cr.ID, string(cr.Method)))

		if rec.sc.Policy == PolicyManual {
			res.Version, res.Value = rec.sc.Version, stored
			c.mu.Unlock()
			c.logger.Info("conflict needs manual resolution", "context_id", u.ContextID, "key", u.Key, "conflict_id", cr.ID)
			c.publishAll(ctx, events)
			return res, errors.NewConflictError(u.ContextID, u.Key, *cloneRecord(&cr))
		}
	}

	var notify []string
	if res.Committed {
		c.commitLocked(rec, u.Key, u.Value, u.UnitID, now)
		events = append(events, event.NewContextUpdatedEvent(source, u.ContextID, u.Key, rec.sc.Version, u.UnitID))
		notify = slices.Clone(rec.sc.Participants)
	}
	res.Version, res.Value = rec.sc.Version, rec.sc.Data[u.Key]
	c.mu.Unlock()

	c.touch(u.UnitID)
	c.publishAll(ctx, events)
	if res.Committed {
		c.fanOut(ctx, u.UnitID, notify, MessageContextUpdate, map[string]any{
			"context_id": u.ContextID,
			"key":        u.Key,
			"version":    res.Version,
		})
	}
	return res, nil
}

func (c *Coordinator) commitLocked(rec *contextRec, key string, value any, by string, now time.Time) {
	rec.sc.Data[key] = value
	rec.sc.Version++
	rec.sc.LastModified = now
	rec.stamps[key] = stamp{version: rec.sc.Version, by: by, at: now}
	rec.observe(by)
}

// ResolveConflict settles a manual conflict by committing value on behalf
// of an admin of the context. The original record is left untouched; a
// new resolved record naming it is appended and returned.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID, by string, value any) (ConflictRecord, error) {
	c.mu.Lock()
	i := slices.IndexFunc(c.conflicts, func(r ConflictRecord) bool { return r.ID == conflictID })
	if i < 0 {
		c.mu.Unlock()
		return ConflictRecord{}, errors.NewNotFoundError("conflict", conflictID)
	}
	orig := c.conflicts[i]
	settled := slices.ContainsFunc(c.conflicts, func(r ConflictRecord) bool { return r.Resolves == conflictID })
	if orig.Resolved || settled {
		c.mu.Unlock()
		return ConflictRecord{}, errors.NewInvalidStateError("conflict", conflictID, "already resolved")
	}
	rec, err := c.contextLocked(orig.ContextID)
	if err != nil {
		c.mu.Unlock()
		return ConflictRecord{}, err
	}
	if !rec.isAdmin(by) {
		c.mu.Unlock()
		return ConflictRecord{}, errors.NewPermissionDeniedError(by, "resolve conflicts in", "context "+orig.ContextID)
	}

	now := time.Now()
	c.commitLocked(rec, orig.Key, value, by, now)
	cr := ConflictRecord{
		ID:            uuid.NewString(),
		ContextID:     orig.ContextID,
		Key:           orig.Key,
		Candidates:    slices.Clone(orig.Candidates),
		Method:        PolicyManual,
		Resolved:      true,
		ResolvedValue: value,
		ResolvedBy:    by,
		Resolves:      conflictID,
		CreatedAt:     now,
	}
	c.conflicts = append(c.conflicts, cr)
	version := rec.sc.Version
	notify := slices.Clone(rec.sc.Participants)
	c.mu.Unlock()

	c.logger.Info("conflict resolved", "conflict_id", conflictID, "by", by)
	c.publish(ctx, event.NewContextUpdatedEvent(source, cr.ContextID, cr.Key, version, by))
	c.fanOut(ctx, by, notify, MessageContextUpdate, map[string]any{
		"context_id": cr.ContextID,
		"key":        cr.Key,
		"version":    version,
	})
	return *cloneRecord(&cr), nil
}

// Conflicts returns the conflict records of a context in creation order,
// or every record when contextID is empty.
func (c *Coordinator) Conflicts(contextID string) []ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ConflictRecord
	for i := range c.conflicts {
		if contextID == "" || c.conflicts[i].ContextID == contextID {
			out = append(out, *cloneRecord(&c.conflicts[i]))
		}
	}
	return out
}

func cloneRecord(r *ConflictRecord) *ConflictRecord {
	cp := *r
	cp.Candidates = slices.Clone(r.Candidates)
	return &cp
}

// AddParticipant gives unitID access to a context. Only admins may add.
func (c *Coordinator) AddParticipant(ctx context.Context, contextID, by, unitID string, a Access) error {
	if !a.valid() {
		return errors.NewValidationError("unknown access level").WithField("access").WithValue(a)
	}
	if c.units != nil {
		if _, err := c.units.Get(unitID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.contextLocked(contextID)
	if err != nil {
		return err
	}
	if !rec.isAdmin(by) {
		return errors.NewPermissionDeniedError(by, "add participants to", "context "+contextID)
	}
	rec.setAccess(unitID, a)
	c.logger.Debug("participant added", "context_id", contextID, "unit_id", unitID, "access", a)
	return nil
}

// RemoveParticipant revokes a unit's access. Units may remove themselves;
// removing anyone else takes admin. The owner cannot leave its context.
func (c *Coordinator) RemoveParticipant(ctx context.Context, contextID, by, unitID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.contextLocked(contextID)
	if err != nil {
		return err
	}
	if by != unitID && !rec.isAdmin(by) {
		return errors.NewPermissionDeniedError(by, "remove participants from", "context "+contextID)
	}
	if !rec.isParticipant(unitID) {
		return errors.NewNotFoundError("participant", unitID)
	}
	if unitID == rec.sc.Owner {
		return errors.NewInvalidStateError("shared context", contextID, "the owner cannot leave; delete the context instead")
	}
	rec.drop(unitID)
	return nil
}

// DeleteSharedContext removes a context. Only admins may delete.
func (c *Coordinator) DeleteSharedContext(ctx context.Context, contextID, by string) error {
	c.mu.Lock()
	rec, err := c.contextLocked(contextID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !rec.isAdmin(by) {
		c.mu.Unlock()
		return errors.NewPermissionDeniedError(by, "delete", "context "+contextID)
	}
	c.deleteContextLocked(contextID)
	c.mu.Unlock()

	c.logger.Info("shared context deleted", "context_id", contextID, "by", by)
	c.publish(ctx, event.NewContextDeletedEvent(source, contextID))
	return nil
}

func (c *Coordinator) deleteContextLocked(id string) {
	delete(c.contexts, id)
	for _, s := range c.sessions {
		s.s.ContextIDs = slices.DeleteFunc(s.s.ContextIDs, func(x string) bool { return x == id })
	}
}

// ListSharedContexts returns the contexts unitID can read, or all of them
// when unitID is empty, ordered by creation time.
func (c *Coordinator) ListSharedContexts(unitID string) []SharedContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SharedContext
	for _, rec := range c.contexts {
		if unitID == "" || rec.canRead(unitID) {
			out = append(out, rec.snapshot())
		}
	}
	slices.SortFunc(out, func(a, b SharedContext) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (c *Coordinator) publishAll(ctx context.Context, events []event.Event) {
	for _, e := range events {
		c.publish(ctx, e)
	}
}
