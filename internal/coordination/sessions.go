package coordination

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

type sessionRec struct {
	s Session
}

func (r *sessionRec) index(unitID string) int {
	return slices.IndexFunc(r.s.Participants, func(p Participant) bool { return p.UnitID == unitID })
}

func (r *sessionRec) isOwner(unitID string) bool {
	i := r.index(unitID)
	return i >= 0 && r.s.Participants[i].Role == RoleOwner
}

func (r *sessionRec) snapshot() Session {
	s := r.s
	s.Participants = slices.Clone(r.s.Participants)
	s.ContextIDs = slices.Clone(r.s.ContextIDs)
	return s
}

func (r *sessionRec) unitIDs() []string {
	ids := make([]string, 0, len(r.s.Participants))
	for _, p := range r.s.Participants {
		ids = append(ids, p.UnitID)
	}
	return ids
}

func (c *Coordinator) sessionLocked(id string) (*sessionRec, error) {
	rec, ok := c.sessions[id]
	if !ok {
		return nil, errors.NewNotFoundError("session", id)
	}
	return rec, nil
}

func notActive(s *sessionRec) error {
	return errors.NewInvalidStateError("session", s.s.ID, "session is not active").
		WithState(string(s.s.Status)).WithCause(errors.ErrSessionNotActive)
}

// CreateCollaborationSession starts a session owned by owner over the
// given shared contexts. The owner must administer every context, and
// each context adopts the session's conflict policy.
func (c *Coordinator) CreateCollaborationSession(ctx context.Context, owner, kind string, settings SessionSettings, contextIDs ...string) (Session, error) {
	if owner == "" {
		return Session{}, errors.NewValidationError("session owner cannot be empty").WithField("owner")
	}
	if settings.Policy == "" {
		settings.Policy = c.cfg.DefaultPolicy
	}
	if _, err := ParsePolicy(string(settings.Policy)); err != nil {
		return Session{}, err
	}
	if settings.MaxParticipants == 0 {
		settings.MaxParticipants = c.cfg.DefaultMaxParticipants
	}
	if settings.MaxParticipants < 1 {
		return Session{}, errors.NewValidationError("max participants must be positive").
			WithField("max_participants").WithValue(settings.MaxParticipants)
	}
	if settings.IdleTimeout <= 0 {
		settings.IdleTimeout = c.cfg.ConnectionIdle
	}
	if c.units != nil {
		if _, err := c.units.Get(owner); err != nil {
			return Session{}, err
		}
	}

	c.mu.Lock()
	ctxs := make([]*contextRec, 0, len(contextIDs))
	for _, id := range contextIDs {
		rec, err := c.contextLocked(id)
		if err != nil {
			c.mu.Unlock()
			return Session{}, err
		}
		if !rec.isAdmin(owner) {
			c.mu.Unlock()
			return Session{}, errors.NewPermissionDeniedError(owner, "share", "context "+id)
		}
		ctxs = append(ctxs, rec)
	}
	for _, rec := range ctxs {
		rec.sc.Policy = settings.Policy
	}

	now := time.Now()
	rec := &sessionRec{s: Session{
		ID:   uuid.NewString(),
		Type: kind,
		Participants: []Participant{{
			UnitID:     owner,
			Role:       RoleOwner,
			JoinedAt:   now,
			LastActive: now,
			Connected:  true,
		}},
		ContextIDs: slices.Clone(contextIDs),
		Settings:   settings,
		Status:     SessionActive,
		CreatedAt:  now,
	}}
	c.sessions[rec.s.ID] = rec
	snap := rec.snapshot()
	c.mu.Unlock()

	c.logger.Info("session created", "session_id", snap.ID, "owner", owner, "contexts", len(contextIDs))
	c.publish(ctx, event.NewSessionCreatedEvent(source, snap.ID, owner))
	return snap, nil
}

// GetSession returns a snapshot of a session.
func (c *Coordinator) GetSession(id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.sessionLocked(id)
	if err != nil {
		return Session{}, err
	}
	return rec.snapshot(), nil
}

// Sessions returns every session ordered by creation time.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, rec := range c.sessions {
		out = append(out, rec.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// JoinCollaborationSession adds unitID with role, Editor when empty. The
// role also sets the unit's access to the session's contexts. Joining
// twice is a no-op.
func (c *Coordinator) JoinCollaborationSession(ctx context.Context, sessionID, unitID string, role Role) error {
	if role == "" {
		role = RoleEditor
	}
	if !role.valid() || role == RoleOwner {
		return errors.NewValidationError("cannot join with this role").WithField("role").WithValue(role)
	}
	if c.units != nil {
		if _, err := c.units.Get(unitID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	rec, err := c.sessionLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if rec.s.Status != SessionActive {
		c.mu.Unlock()
		return notActive(rec)
	}
	if rec.index(unitID) >= 0 {
		c.mu.Unlock()
		return nil
	}
	if len(rec.s.Participants) >= rec.s.Settings.MaxParticipants {
		c.mu.Unlock()
		return errors.NewResourceExhaustedError("session participants", rec.s.Settings.MaxParticipants).
			WithCause(errors.ErrSessionFull)
	}

	now := time.Now()
	rec.s.Participants = append(rec.s.Participants, Participant{
		UnitID:     unitID,
		Role:       role,
		JoinedAt:   now,
		LastActive: now,
		Connected:  true,
	})
	c.applyRoleLocked(rec, unitID, role)
	notify := rec.unitIDs()
	c.mu.Unlock()

	c.logger.Info("session joined", "session_id", sessionID, "unit_id", unitID, "role", role)
	c.publish(ctx, event.NewSessionUpdatedEvent(source, sessionID, string(SessionActive), unitID, "joined"))
	c.fanOut(ctx, unitID, notify, MessageSessionEvent, map[string]any{
		"session_id": sessionID,
		"action":     "joined",
		"role":       string(role),
	})
	return nil
}

// applyRoleLocked aligns a participant's access to every session context
// with its role.
func (c *Coordinator) applyRoleLocked(rec *sessionRec, unitID string, role Role) {
	for _, id := range rec.s.ContextIDs {
		if cr, ok := c.contexts[id]; ok {
			cr.setAccess(unitID, role.access())
		}
	}
}

// LeaveCollaborationSession removes unitID. An owner hands the session to
// the earliest-joined editor; with no editor left the session ends, as
// it does once nobody remains.
func (c *Coordinator) LeaveCollaborationSession(ctx context.Context, sessionID, unitID string) error {
	c.mu.Lock()
	rec, err := c.sessionLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if rec.s.Status == SessionEnded {
		c.mu.Unlock()
		return notActive(rec)
	}
	if rec.index(unitID) < 0 {
		c.mu.Unlock()
		return errors.NewNotFoundError("participant", unitID)
	}
	events := c.leaveLocked(rec, unitID, "left")
	notify := rec.unitIDs()
	ended := rec.s.Status == SessionEnded
	c.mu.Unlock()

	c.logger.Info("session left", "session_id", sessionID, "unit_id", unitID, "ended", ended)
	c.publishAll(ctx, events)
	c.fanOut(ctx, unitID, notify, MessageSessionEvent, map[string]any{
		"session_id": sessionID,
		"action":     "left",
	})
	return nil
}

// leaveLocked removes a participant and returns the events to publish.
func (c *Coordinator) leaveLocked(rec *sessionRec, unitID, reason string) []event.Event {
	i := rec.index(unitID)
	wasOwner := rec.s.Participants[i].Role == RoleOwner
	rec.s.Participants = slices.Delete(rec.s.Participants, i, i+1)
	for _, id := range rec.s.ContextIDs {
		if cr, ok := c.contexts[id]; ok && cr.sc.Owner != unitID {
			cr.drop(unitID)
		}
	}

	events := []event.Event{event.NewSessionUpdatedEvent(source, rec.s.ID, string(rec.s.Status), unitID, reason)}
	if wasOwner {
		j := slices.IndexFunc(rec.s.Participants, func(p Participant) bool { return p.Role == RoleEditor })
		if j < 0 {
			return append(events, c.endLocked(rec, "owner left"))
		}
		next := rec.s.Participants[j].UnitID
		rec.s.Participants[j].Role = RoleOwner
		c.applyRoleLocked(rec, next, RoleOwner)
		events = append(events, event.NewSessionUpdatedEvent(source, rec.s.ID, string(rec.s.Status), next, "promoted to owner"))
	}
	if len(rec.s.Participants) == 0 {
		events = append(events, c.endLocked(rec, "no participants"))
	}
	return events
}

func (c *Coordinator) endLocked(rec *sessionRec, reason string) event.Event {
	rec.s.Status = SessionEnded
	rec.s.EndedAt = time.Now()
	return event.NewSessionEndedEvent(source, rec.s.ID, reason)
}

// PauseSession stops a session from accepting joins. Owner only.
func (c *Coordinator) PauseSession(ctx context.Context, sessionID, by string) error {
	return c.transition(ctx, sessionID, by, SessionActive, SessionPaused)
}

// ResumeSession reactivates a paused session. Owner only.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID, by string) error {
	return c.transition(ctx, sessionID, by, SessionPaused, SessionActive)
}

func (c *Coordinator) transition(ctx context.Context, sessionID, by string, from, to SessionStatus) error {
	c.mu.Lock()
	rec, err := c.sessionLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !rec.isOwner(by) {
		c.mu.Unlock()
		return errors.NewPermissionDeniedError(by, "change status of", "session "+sessionID)
	}
	if rec.s.Status != from {
		c.mu.Unlock()
		return errors.NewInvalidStateError("session", sessionID, "cannot become "+string(to)).
			WithState(string(rec.s.Status))
	}
	rec.s.Status = to
	c.mu.Unlock()

	c.publish(ctx, event.NewSessionUpdatedEvent(source, sessionID, string(to), by, string(to)))
	return nil
}

// EndSession ends a session. Owner only. Ended sessions are purged by the
// next cleanup sweep.
func (c *Coordinator) EndSession(ctx context.Context, sessionID, by string) error {
	c.mu.Lock()
	rec, err := c.sessionLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !rec.isOwner(by) {
		c.mu.Unlock()
		return errors.NewPermissionDeniedError(by, "end", "session "+sessionID)
	}
	if rec.s.Status == SessionEnded {
		c.mu.Unlock()
		return notActive(rec)
	}
	e := c.endLocked(rec, "ended by owner")
	c.mu.Unlock()

	c.logger.Info("session ended", "session_id", sessionID, "by", by)
	c.publish(ctx, e)
	return nil
}

// SetParticipantRole changes a participant's role. Owner only. Making
// someone else Owner transfers ownership and demotes the caller to
// Editor; the owner cannot demote itself otherwise.
func (c *Coordinator) SetParticipantRole(ctx context.Context, sessionID, by, unitID string, role Role) error {
	if !role.valid() {
		return errors.NewValidationError("unknown role").WithField("role").WithValue(role)
	}

	c.mu.Lock()
	rec, err := c.sessionLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if rec.s.Status == SessionEnded {
		c.mu.Unlock()
		return notActive(rec)
	}
	if !rec.isOwner(by) {
		c.mu.Unlock()
		return errors.NewPermissionDeniedError(by, "assign roles in", "session "+sessionID)
	}
	i := rec.index(unitID)
	if i < 0 {
		c.mu.Unlock()
		return errors.NewNotFoundError("participant", unitID)
	}
	if unitID == by {
		c.mu.Unlock()
		if role == RoleOwner {
			return nil
		}
		return errors.NewInvalidStateError("session", sessionID, "transfer ownership before changing the owner's role")
	}

	if role == RoleOwner {
		o := rec.index(by)
		rec.s.Participants[o].Role = RoleEditor
		c.applyRoleLocked(rec, by, RoleEditor)
	}
	rec.s.Participants[i].Role = role
	c.applyRoleLocked(rec, unitID, role)
	status := rec.s.Status
	c.mu.Unlock()

	c.publish(ctx, event.NewSessionUpdatedEvent(source, sessionID, string(status), unitID, "role "+string(role)))
	return nil
}

// InActiveSession reports whether unitID takes part in an active session.
func (c *Coordinator) InActiveSession(unitID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.sessions {
		if rec.s.Status == SessionActive && rec.index(unitID) >= 0 {
			return true
		}
	}
	return false
}

// touch records activity by a unit in every session it belongs to.
func (c *Coordinator) touch(unitID string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range c.sessions {
		if i := rec.index(unitID); i >= 0 {
			rec.s.Participants[i].LastActive = now
			rec.s.Participants[i].Connected = true
		}
	}
}
