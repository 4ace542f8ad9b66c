package unit

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// savedState is the durable record of a suspended unit.
type savedState struct {
	UnitID      string            `json:"unit_id"`
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	SpaceID     string            `json:"space_id"`
	GroupID     string            `json:"group_id,omitempty"`
	Back        []string          `json:"back,omitempty"`
	Forward     []string          `json:"forward,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Annotations Annotations       `json:"annotations"`
	ScrollY     int               `json:"scroll_y"`
	FormState   map[string]string `json:"form_state,omitempty"`
	SuspendedAt time.Time         `json:"suspended_at"`
}

func (r *record) state() savedState {
	return savedState{
		UnitID:      r.u.ID,
		URL:         r.u.URL,
		Title:       r.u.Title,
		SpaceID:     r.u.SpaceID,
		GroupID:     r.u.GroupID,
		Back:        slices.Clone(r.back),
		Forward:     slices.Clone(r.forward),
		Metadata:    maps.Clone(r.u.Metadata),
		Annotations: Annotations{Topics: slices.Clone(r.u.Annotations.Topics), Sentiment: r.u.Annotations.Sentiment},
		SuspendedAt: time.Now(),
	}
}

// SuspendUnit saves a unit's resumable state, releases its process and
// marks it suspended. Suspending a suspended unit fails with InvalidState.
func (m *Manager) SuspendUnit(ctx context.Context, id string) error {
	return m.suspend(ctx, id, "requested", "")
}

// orphanReason is the suspension reason recorded for units whose process
// died.
const orphanReason = "process died"

// suspend moves a unit to the suspended state. When orphanOf is set the
// unit's process has already died: a unit still recorded on it is
// suspended without releasing anything, and a claimed unit is marked so
// that the claim holder finishes the suspension.
func (m *Manager) suspend(ctx context.Context, id, reason, orphanOf string) error {
	m.mu.Lock()
	rec, ok := m.units[id]
	if orphanOf != "" {
		if ok && rec.busy {
			rec.orphaned = orphanOf
			m.mu.Unlock()
			return nil
		}
		if !ok || rec.pending || rec.u.Suspended || rec.u.ProcessID != orphanOf {
			m.mu.Unlock()
			return nil
		}
	}
	if !ok || rec.pending {
		m.mu.Unlock()
		return errors.NewNotFoundError("unit", id)
	}
	if rec.busy {
		m.mu.Unlock()
		return busyError(id)
	}
	if rec.u.Suspended {
		m.mu.Unlock()
		return errors.NewInvalidStateError("unit", id, "unit is already suspended").WithState(string(StatusSuspended))
	}
	rec.busy = true
	m.mu.Unlock()

	return m.completeSuspend(ctx, rec, reason, orphanOf != "")
}

// completeSuspend saves the state of a claimed unit, releases its process
// and marks it suspended. With dead set the process is gone, so a failed
// save is logged and the unit is suspended regardless.
func (m *Manager) completeSuspend(ctx context.Context, rec *record, reason string, dead bool) error {
	m.mu.Lock()
	id := rec.u.ID
	st := rec.state()
	pid := rec.u.ProcessID
	m.mu.Unlock()

	data, err := json.Marshal(st)
	if err == nil {
		err = m.store.SaveBlob(ctx, stateKey(id), data)
	}
	if err != nil {
		if !dead {
			m.releaseClaim(ctx, id)
			return errors.Wrapf(err, "saving state of unit %s", id)
		}
		m.logger.WithUnit(id).Warn("state of orphaned unit not saved", "process_id", pid, "error", err)
	}

	if !dead && pid != "" {
		if err := m.procs.ReleaseUnit(ctx, pid, id, true); err != nil && !errors.Is(err, errors.ErrNotFound) {
			m.logger.WithUnit(id).Warn("release failed", "process_id", pid, "error", err)
		}
	}

	m.mu.Lock()
	rec.u.Suspended = true
	rec.u.ProcessID = ""
	rec.u.MemoryMB = 0
	rec.u.CPUPercent = 0
	rec.orphaned = ""
	rec.busy = false
	m.mu.Unlock()

	m.suspensions.Add(1)
	m.logger.WithUnit(id).Info("unit suspended", "reason", reason, "process_id", pid)
	m.publish(ctx, event.NewUnitSuspendedEvent(Source, id, reason))
	return nil
}

// finishOrphan completes the suspension of a unit whose process died
// while it was claimed. The claim is still held on entry.
func (m *Manager) finishOrphan(ctx context.Context, rec *record) {
	// A dead completion never fails.
	_ = m.completeSuspend(ctx, rec, orphanReason, true)
}

// RestoreUnit allocates a fresh process for a suspended unit and replays
// its saved state. Restoring an active unit fails with InvalidState.
func (m *Manager) RestoreUnit(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.units[id]
	if !ok || rec.pending {
		m.mu.Unlock()
		return errors.NewNotFoundError("unit", id)
	}
	if rec.busy {
		m.mu.Unlock()
		return busyError(id)
	}
	if !rec.u.Suspended {
		m.mu.Unlock()
		return errors.NewInvalidStateError("unit", id, "unit is not suspended").WithState(string(StatusActive))
	}
	rec.busy = true
	st := rec.state()
	kind := rec.u.Kind
	m.mu.Unlock()

	data, err := m.store.LoadBlob(ctx, stateKey(id))
	switch {
	case err == nil:
		var saved savedState
		if jerr := json.Unmarshal(data, &saved); jerr != nil {
			m.logger.WithUnit(id).Warn("suspended state unreadable, using last known state", "error", jerr)
		} else {
			st = saved
		}
	case errors.Is(err, errors.ErrNotFound):
		m.logger.WithUnit(id).Debug("no suspended state stored, using last known state")
	default:
		m.releaseClaim(ctx, id)
		return errors.Wrapf(err, "loading state of unit %s", id)
	}

	proc, err := m.procs.Acquire(ctx, kind, engine.Config{}, id, st.URL)
	if err != nil {
		m.releaseClaim(ctx, id)
		return errors.Wrapf(err, "allocating process for unit %s", id)
	}

	m.mu.Lock()
	rec.u.URL = st.URL
	rec.u.Title = st.Title
	rec.u.Metadata = st.Metadata
	rec.u.Annotations = st.Annotations
	rec.back = st.Back
	rec.forward = st.Forward
	rec.u.Suspended = false
	rec.u.ProcessID = proc.ID
	rec.u.LastActive = time.Now()
	dead := m.endClaimLocked(rec)
	m.mu.Unlock()

	if err := m.store.DeleteBlob(ctx, stateKey(id)); err != nil && !errors.Is(err, errors.ErrNotFound) {
		m.logger.WithUnit(id).Warn("delete suspended state failed", "error", err)
	}

	m.restorations.Add(1)
	m.logger.WithUnit(id).Info("unit restored", "process_id", proc.ID)
	m.publish(ctx, event.NewUnitRestoredEvent(Source, id, proc.ID))
	if dead {
		m.finishOrphan(ctx, rec)
	}
	return nil
}

// handleOrphans suspends units whose process died so that the pairing
// between active units and live processes holds. They are restored on
// the next activation.
func (m *Manager) handleOrphans(ctx context.Context, processID string, unitIDs []string) {
	for _, id := range unitIDs {
		if err := m.suspend(ctx, id, orphanReason, processID); err != nil {
			m.logger.WithUnit(id).Error("orphaned unit not suspended", "process_id", processID, "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Navigation
// -----------------------------------------------------------------------------

// Navigate loads url into a unit and records the previous url in its
// back history.
func (m *Manager) Navigate(ctx context.Context, id, url string) error {
	if url == "" {
		return errors.NewValidationError("url cannot be empty").WithField("url")
	}
	return m.navigate(ctx, id, func(r *record) (string, error) { return url, nil }, func(r *record) {
		r.back = m.pushHistory(r.back, r.u.URL)
		r.forward = nil
		r.u.URL = url
	})
}

// GoBack returns a unit to the previous url in its history.
func (m *Manager) GoBack(ctx context.Context, id string) error {
	return m.navigate(ctx, id, func(r *record) (string, error) {
		if len(r.back) == 0 {
			return "", errors.NewInvalidStateError("unit", id, "no back history")
		}
		return r.back[len(r.back)-1], nil
	}, func(r *record) {
		r.forward = m.pushHistory(r.forward, r.u.URL)
		r.u.URL = r.back[len(r.back)-1]
		r.back = r.back[:len(r.back)-1]
	})
}

// GoForward reverses the last GoBack.
func (m *Manager) GoForward(ctx context.Context, id string) error {
	return m.navigate(ctx, id, func(r *record) (string, error) {
		if len(r.forward) == 0 {
			return "", errors.NewInvalidStateError("unit", id, "no forward history")
		}
		return r.forward[len(r.forward)-1], nil
	}, func(r *record) {
		r.back = m.pushHistory(r.back, r.u.URL)
		r.u.URL = r.forward[len(r.forward)-1]
		r.forward = r.forward[:len(r.forward)-1]
	})
}

// navigate claims the unit, resolves the destination, drives the engine
// and applies the history change only once the engine accepted it.
func (m *Manager) navigate(ctx context.Context, id string, target func(*record) (string, error), apply func(*record)) error {
	m.mu.Lock()
	rec, err := m.claimLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if rec.u.Suspended {
		rec.busy = false
		m.mu.Unlock()
		return errors.NewInvalidStateError("unit", id, "unit is suspended").WithState(string(StatusSuspended))
	}
	url, err := target(rec)
	if err != nil {
		rec.busy = false
		m.mu.Unlock()
		return err
	}
	pid := rec.u.ProcessID
	m.mu.Unlock()

	if err := m.procs.Navigate(ctx, pid, id, url); err != nil {
		if errors.Is(err, errors.ErrProcessDead) {
			m.mu.Lock()
			rec.orphaned = pid
			m.mu.Unlock()
		}
		m.releaseClaim(ctx, id)
		return errors.Wrapf(err, "navigating unit %s", id)
	}

	m.mu.Lock()
	apply(rec)
	rec.u.LastActive = time.Now()
	dead := m.endClaimLocked(rec)
	m.mu.Unlock()

	m.publish(ctx, event.NewUnitNavigatedEvent(Source, id, url))
	if dead {
		m.finishOrphan(ctx, rec)
	}
	return nil
}

func (m *Manager) pushHistory(h []string, url string) []string {
	h = append(h, url)
	if over := len(h) - m.cfg.HistoryLimit; over > 0 {
		h = slices.Delete(h, 0, over)
	}
	return h
}

// -----------------------------------------------------------------------------
// Content and automation
// -----------------------------------------------------------------------------

// ExtractContent pulls a unit's content from the engine and publishes it
// for the content provider.
func (m *Manager) ExtractContent(ctx context.Context, id string, opts engine.ExtractOptions) (engine.Content, error) {
	u, err := m.Get(id)
	if err != nil {
		return engine.Content{}, err
	}
	if u.Suspended {
		return engine.Content{}, errors.NewInvalidStateError("unit", id, "unit is suspended").WithState(string(StatusSuspended))
	}
	c, err := m.procs.ExtractContent(ctx, u.ProcessID, id, opts)
	if err != nil {
		if errors.Is(err, errors.ErrProcessDead) {
			m.handleOrphans(ctx, u.ProcessID, []string{id})
		}
		return engine.Content{}, errors.Wrapf(err, "extracting content of unit %s", id)
	}
	m.publish(ctx, event.NewUnitContentReadyEvent(Source, id, c.Text, c.HTML, c.Metadata))
	return c, nil
}

// RequestAction publishes an automation request for a unit. Execution is
// left to the automation provider subscribed to the bus.
func (m *Manager) RequestAction(ctx context.Context, id, action, target string, params map[string]any) error {
	if action == "" {
		return errors.NewValidationError("action cannot be empty").WithField("action")
	}
	if _, err := m.Get(id); err != nil {
		return err
	}
	m.publish(ctx, event.NewActionRequestedEvent(Source, id, action, target, params))
	return nil
}
