package unit

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// -----------------------------------------------------------------------------
// Spaces
// -----------------------------------------------------------------------------

func (m *Manager) addSpaceLocked(name string, settings map[string]string) *spaceRec {
	sp := &spaceRec{Space: Space{
		ID:        uuid.NewString(),
		Name:      name,
		Settings:  maps.Clone(settings),
		CreatedAt: time.Now(),
	}}
	m.spaces[sp.ID] = sp
	m.spaceOrder = append(m.spaceOrder, sp.ID)
	return sp
}

// CreateSpace adds a new, empty space.
func (m *Manager) CreateSpace(ctx context.Context, name string, settings map[string]string) (Space, error) {
	if name == "" {
		return Space{}, errors.NewValidationError("space name cannot be empty").WithField("name")
	}
	m.mu.Lock()
	sp := m.addSpaceLocked(name, settings)
	out := sp.clone()
	m.mu.Unlock()

	m.logger.WithSpace(out.ID).Info("space created", "name", name)
	m.publish(ctx, event.NewSpaceCreatedEvent(Source, out.ID, name))
	return out, nil
}

// GetSpace returns a snapshot of a space.
func (m *Manager) GetSpace(id string) (Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.spaces[id]
	if !ok {
		return Space{}, errors.NewNotFoundError("space", id).WithCause(errors.ErrSpaceNotFound)
	}
	return sp.clone(), nil
}

// ListSpaces returns every space in creation order.
func (m *Manager) ListSpaces() []Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Space, 0, len(m.spaceOrder))
	for _, id := range m.spaceOrder {
		out = append(out, m.spaces[id].clone())
	}
	return out
}

// CurrentSpace returns the space whose units are in focus.
func (m *Manager) CurrentSpace() Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces[m.current].clone()
}

// DefaultSpaceID returns the space new units land in when none is given.
func (m *Manager) DefaultSpaceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultSpace
}

// SwitchSpace changes the current space.
func (m *Manager) SwitchSpace(ctx context.Context, id string) error {
	m.mu.Lock()
	if err := m.checkSpaceLocked(id); err != nil {
		m.mu.Unlock()
		return err
	}
	from := m.current
	m.current = id
	m.mu.Unlock()

	if from != id {
		m.logger.WithSpace(id).Info("space switched", "from", from)
		m.publish(ctx, event.NewSpaceSwitchedEvent(Source, from, id))
	}
	return nil
}

// DestroySpace removes a space. Member units are destroyed, or moved to
// opts.MigrateTo when set. The last remaining space cannot be destroyed.
func (m *Manager) DestroySpace(ctx context.Context, id string, opts DestroySpaceOptions) error {
	m.mu.Lock()
	if err := m.checkSpaceLocked(id); err != nil {
		m.mu.Unlock()
		return err
	}
	if len(m.spaces) == 1 {
		m.mu.Unlock()
		return errors.NewInvalidStateError("space", id, "cannot destroy the last space")
	}
	if opts.MigrateTo != "" {
		if opts.MigrateTo == id {
			m.mu.Unlock()
			return errors.NewValidationError("cannot migrate units into the space being destroyed").
				WithField("migrate_to").WithValue(id)
		}
		if err := m.checkSpaceLocked(opts.MigrateTo); err != nil {
			m.mu.Unlock()
			return err
		}
		moved := m.migrateLocked(id, opts.MigrateTo)
		groups, switched := m.removeSpaceLocked(id)
		m.mu.Unlock()

		m.logger.WithSpace(id).Info("space destroyed", "migrated_units", len(moved), "to", opts.MigrateTo)
		for _, uid := range moved {
			m.publish(ctx, event.NewUnitUpdatedEvent(Source, uid, "space"))
		}
		m.finishRemoval(ctx, id, groups, switched)
		return nil
	}

	m.spaces[id].closing = true
	var members []string
	for _, r := range m.orderedLocked() {
		if r.u.SpaceID == id {
			members = append(members, r.u.ID)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, uid := range members {
		if err := m.DestroyUnit(ctx, uid); err != nil && !errors.Is(err, errors.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	remaining := 0
	for _, r := range m.units {
		if r.u.SpaceID == id {
			remaining++
		}
	}
	if len(errs) > 0 || remaining > 0 {
		m.spaces[id].closing = false
		m.mu.Unlock()
		if remaining > 0 && len(errs) == 0 {
			return errors.NewInvalidStateError("space", id, "units remain after cascade").WithRetryable(true)
		}
		return errors.Wrapf(errors.Join(errs...), "destroying units of space %s", id)
	}
	groups, switched := m.removeSpaceLocked(id)
	m.mu.Unlock()

	m.logger.WithSpace(id).Info("space destroyed", "destroyed_units", len(members))
	m.finishRemoval(ctx, id, groups, switched)
	return nil
}

// migrateLocked moves the units of from into to, dropping group
// membership. It returns the moved unit ids.
func (m *Manager) migrateLocked(from, to string) []string {
	var moved []string
	for _, r := range m.orderedLocked() {
		if r.u.SpaceID != from {
			continue
		}
		r.u.SpaceID = to
		r.u.GroupID = ""
		moved = append(moved, r.u.ID)
	}
	for _, r := range m.units {
		if r.pending && r.u.SpaceID == from {
			r.u.SpaceID = to
			r.u.GroupID = ""
		}
	}
	if dst := m.spaces[to]; dst.ActiveUnitID == "" {
		dst.ActiveUnitID = m.spaces[from].ActiveUnitID
	}
	return moved
}

type spaceSwitch struct {
	from, to string
}

// removeSpaceLocked deletes a space and its groups, moving the current
// and default space pointers if they referenced it.
func (m *Manager) removeSpaceLocked(id string) ([]string, *spaceSwitch) {
	sp := m.spaces[id]
	groups := slices.Clone(sp.GroupIDs)
	for _, gid := range groups {
		delete(m.groups, gid)
	}
	delete(m.spaces, id)
	m.spaceOrder = slices.DeleteFunc(m.spaceOrder, func(s string) bool { return s == id })

	if m.defaultSpace == id {
		m.defaultSpace = m.spaceOrder[0]
	}
	var sw *spaceSwitch
	if m.current == id {
		m.current = m.defaultSpace
		sw = &spaceSwitch{from: id, to: m.current}
	}
	return groups, sw
}

func (m *Manager) finishRemoval(ctx context.Context, id string, groups []string, sw *spaceSwitch) {
	for _, gid := range groups {
		m.publish(ctx, event.NewGroupDeletedEvent(Source, gid, id))
	}
	m.publish(ctx, event.NewSpaceDestroyedEvent(Source, id))
	if sw != nil {
		m.publish(ctx, event.NewSpaceSwitchedEvent(Source, sw.from, sw.to))
	}
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// CreateGroup adds a group to a space. An empty spaceID means the current
// space.
func (m *Manager) CreateGroup(ctx context.Context, spaceID, name, color string) (Group, error) {
	if name == "" {
		return Group{}, errors.NewValidationError("group name cannot be empty").WithField("name")
	}
	m.mu.Lock()
	if spaceID == "" {
		spaceID = m.current
	}
	if err := m.checkSpaceLocked(spaceID); err != nil {
		m.mu.Unlock()
		return Group{}, err
	}
	g := m.addGroupLocked(spaceID, name, color)
	out := g.clone()
	m.mu.Unlock()

	m.publish(ctx, event.NewGroupCreatedEvent(Source, out.ID, spaceID, name))
	return out, nil
}

func (m *Manager) addGroupLocked(spaceID, name, color string) *Group {
	g := &Group{
		ID:        uuid.NewString(),
		SpaceID:   spaceID,
		Name:      name,
		Color:     color,
		CreatedAt: time.Now(),
	}
	m.groups[g.ID] = g
	sp := m.spaces[spaceID]
	sp.GroupIDs = append(sp.GroupIDs, g.ID)
	return g
}

// GetGroup returns a snapshot of a group.
func (m *Manager) GetGroup(id string) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, errors.NewNotFoundError("group", id)
	}
	return g.clone(), nil
}

// ListGroups returns the groups of a space in creation order. An empty
// spaceID means the current space.
func (m *Manager) ListGroups(spaceID string) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spaceID == "" {
		spaceID = m.current
	}
	sp, ok := m.spaces[spaceID]
	if !ok {
		return nil, errors.NewNotFoundError("space", spaceID).WithCause(errors.ErrSpaceNotFound)
	}
	out := make([]Group, 0, len(sp.GroupIDs))
	for _, gid := range sp.GroupIDs {
		out = append(out, m.groups[gid].clone())
	}
	return out, nil
}

// DeleteGroup removes a group. Its units are destroyed when closeUnits is
// set, otherwise they stay in the space ungrouped.
func (m *Manager) DeleteGroup(ctx context.Context, id string, closeUnits bool) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("group", id)
	}
	members := slices.Clone(g.UnitIDs)
	m.mu.Unlock()

	if closeUnits {
		var errs []error
		for _, uid := range members {
			if err := m.DestroyUnit(ctx, uid); err != nil && !errors.Is(err, errors.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Wrapf(errors.Join(errs...), "closing units of group %s", id)
		}
	}

	m.mu.Lock()
	g, ok = m.groups[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("group", id)
	}
	var ungrouped []string
	for _, uid := range g.UnitIDs {
		if r, ok := m.units[uid]; ok {
			r.u.GroupID = ""
			ungrouped = append(ungrouped, uid)
		}
	}
	delete(m.groups, id)
	if sp, ok := m.spaces[g.SpaceID]; ok {
		sp.GroupIDs = slices.DeleteFunc(sp.GroupIDs, func(s string) bool { return s == id })
	}
	m.mu.Unlock()

	for _, uid := range ungrouped {
		m.publish(ctx, event.NewUnitUpdatedEvent(Source, uid, "group"))
	}
	m.publish(ctx, event.NewGroupDeletedEvent(Source, id, g.SpaceID))
	return nil
}

// MoveToGroup places a unit in a group of its own space. An empty groupID
// removes the unit from its group.
func (m *Manager) MoveToGroup(ctx context.Context, unitID, groupID string) error {
	m.mu.Lock()
	rec, ok := m.units[unitID]
	if !ok || rec.pending {
		m.mu.Unlock()
		return errors.NewNotFoundError("unit", unitID)
	}
	var dst *Group
	if groupID != "" {
		dst, ok = m.groups[groupID]
		if !ok {
			m.mu.Unlock()
			return errors.NewNotFoundError("group", groupID)
		}
		if dst.SpaceID != rec.u.SpaceID {
			m.mu.Unlock()
			return errors.NewValidationError("group belongs to another space").WithField("group_id").WithValue(groupID)
		}
	}
	if old, ok := m.groups[rec.u.GroupID]; ok {
		old.UnitIDs = slices.DeleteFunc(old.UnitIDs, func(s string) bool { return s == unitID })
	}
	if dst != nil {
		dst.UnitIDs = append(dst.UnitIDs, unitID)
	}
	rec.u.GroupID = groupID
	m.mu.Unlock()

	m.publish(ctx, event.NewUnitUpdatedEvent(Source, unitID, "group"))
	return nil
}

// -----------------------------------------------------------------------------
// Recently closed
// -----------------------------------------------------------------------------

// RecentlyClosed returns closed units, most recent first.
func (m *Manager) RecentlyClosed() []ClosedUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.closed)
	slices.Reverse(out)
	return out
}

// ReopenClosed recreates the most recently closed unit. It lands in its
// original space and group when they still exist.
func (m *Manager) ReopenClosed(ctx context.Context) (Unit, error) {
	m.mu.Lock()
	if len(m.closed) == 0 {
		m.mu.Unlock()
		return Unit{}, errors.NewNotFoundError("closed unit", "")
	}
	c := m.closed[len(m.closed)-1]
	m.closed = m.closed[:len(m.closed)-1]
	opts := CreateOptions{Title: c.Title, Metadata: c.Metadata}
	if sp, ok := m.spaces[c.SpaceID]; ok && !sp.closing {
		opts.SpaceID = c.SpaceID
		if g, ok := m.groups[c.GroupID]; ok && g.SpaceID == c.SpaceID {
			opts.GroupID = c.GroupID
		}
	}
	m.mu.Unlock()

	u, err := m.CreateUnit(ctx, c.URL, opts)
	if err != nil {
		m.mu.Lock()
		m.closed = append(m.closed, c)
		m.mu.Unlock()
		return Unit{}, err
	}
	return u, nil
}
