package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/storage"
)

// Format is a space export encoding.
type Format string

// Export formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	switch f {
	case FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown export format %q", s)).WithField("format").WithValue(s)
}

// exportVersion is the current layout of SpaceExport.
const exportVersion = 1

// SpaceExport is the portable form of a space.
type SpaceExport struct {
	Version    int               `json:"version" yaml:"version" toml:"version"`
	Name       string            `json:"name" yaml:"name" toml:"name"`
	Settings   map[string]string `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
	ExportedAt time.Time         `json:"exported_at" yaml:"exported_at" toml:"exported_at"`
	Groups     []GroupExport     `json:"groups,omitempty" yaml:"groups,omitempty" toml:"groups,omitempty"`
	Units      []UnitExport      `json:"units,omitempty" yaml:"units,omitempty" toml:"units,omitempty"`
}

// GroupExport is a group inside a SpaceExport.
type GroupExport struct {
	Name      string `json:"name" yaml:"name" toml:"name"`
	Color     string `json:"color,omitempty" yaml:"color,omitempty" toml:"color,omitempty"`
	Collapsed bool   `json:"collapsed,omitempty" yaml:"collapsed,omitempty" toml:"collapsed,omitempty"`
}

// UnitExport is a unit inside a SpaceExport. Group refers to a group by
// name.
type UnitExport struct {
	URL         string            `json:"url" yaml:"url" toml:"url"`
	Title       string            `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Group       string            `json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`
	Pinned      bool              `json:"pinned,omitempty" yaml:"pinned,omitempty" toml:"pinned,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
	Annotations Annotations       `json:"annotations" yaml:"annotations" toml:"annotations"`
}

// ExportSpace encodes a space with its groups and units, and keeps a copy
// in the blob store under the space-export prefix.
func (m *Manager) ExportSpace(ctx context.Context, spaceID string, format Format) ([]byte, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	sp, ok := m.spaces[spaceID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NewNotFoundError("space", spaceID).WithCause(errors.ErrSpaceNotFound)
	}
	exp := SpaceExport{
		Version:    exportVersion,
		Name:       sp.Name,
		Settings:   maps.Clone(sp.Settings),
		ExportedAt: time.Now().UTC().Truncate(time.Second),
	}
	for _, gid := range sp.GroupIDs {
		g := m.groups[gid]
		exp.Groups = append(exp.Groups, GroupExport{Name: g.Name, Color: g.Color, Collapsed: g.Collapsed})
	}
	for _, r := range m.orderedLocked() {
		if r.u.SpaceID != spaceID {
			continue
		}
		ue := UnitExport{
			URL:         r.u.URL,
			Title:       r.u.Title,
			Pinned:      r.u.Pinned,
			Metadata:    maps.Clone(r.u.Metadata),
			Annotations: Annotations{Topics: slices.Clone(r.u.Annotations.Topics), Sentiment: r.u.Annotations.Sentiment},
		}
		if g, ok := m.groups[r.u.GroupID]; ok {
			ue.Group = g.Name
		}
		exp.Units = append(exp.Units, ue)
	}
	m.mu.Unlock()

	data, err := encode(exp, format)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding space %s as %s", spaceID, format)
	}
	key := storage.PrefixSpaceExport + spaceID + "." + string(format)
	if err := m.store.SaveBlob(ctx, key, data); err != nil {
		return nil, errors.Wrapf(err, "saving export of space %s", spaceID)
	}
	m.logger.WithSpace(spaceID).Info("space exported", "format", string(format), "units", len(exp.Units), "bytes", len(data))
	return data, nil
}

// ImportSpace creates a new space from an export. Imported units start
// suspended and get a process on first activation or restore.
func (m *Manager) ImportSpace(ctx context.Context, data []byte, format Format) (Space, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return Space{}, err
	}
	var exp SpaceExport
	if err := decode(data, format, &exp); err != nil {
		return Space{}, errors.NewValidationError("malformed space export").WithField("data").WithCause(err)
	}
	if exp.Version > exportVersion {
		return Space{}, errors.NewValidationError(fmt.Sprintf("export version %d is newer than supported version %d", exp.Version, exportVersion)).
			WithField("version").WithValue(exp.Version)
	}
	if exp.Name == "" {
		return Space{}, errors.NewValidationError("space name cannot be empty").WithField("name")
	}
	for i, u := range exp.Units {
		if u.URL == "" {
			return Space{}, errors.NewValidationError(fmt.Sprintf("unit %d has no url", i)).WithField("units.url")
		}
	}

	m.mu.Lock()
	if len(m.units)+len(exp.Units) > m.cfg.MaxUnits {
		m.mu.Unlock()
		return Space{}, errors.NewResourceExhaustedError("units", m.cfg.MaxUnits).WithCause(errors.ErrUnitLimitExceeded)
	}
	sp := m.addSpaceLocked(exp.Name, exp.Settings)
	byName := make(map[string]*Group, len(exp.Groups))
	var groups []*Group
	for _, ge := range exp.Groups {
		g := m.addGroupLocked(sp.ID, ge.Name, ge.Color)
		g.Collapsed = ge.Collapsed
		byName[ge.Name] = g
		groups = append(groups, g)
	}
	now := time.Now()
	states := make([]savedState, 0, len(exp.Units))
	for _, ue := range exp.Units {
		m.seq++
		rec := &record{
			seq: m.seq,
			u: Unit{
				ID:          uuid.NewString(),
				URL:         ue.URL,
				Title:       ue.Title,
				SpaceID:     sp.ID,
				Kind:        m.cfg.Kind,
				Suspended:   true,
				Pinned:      ue.Pinned,
				Metadata:    maps.Clone(ue.Metadata),
				Annotations: Annotations{Topics: slices.Clone(ue.Annotations.Topics), Sentiment: ue.Annotations.Sentiment},
				CreatedAt:   now,
				LastActive:  now,
			},
		}
		if g, ok := byName[ue.Group]; ok {
			rec.u.GroupID = g.ID
			g.UnitIDs = append(g.UnitIDs, rec.u.ID)
		}
		m.units[rec.u.ID] = rec
		states = append(states, rec.state())
	}
	out := sp.clone()
	m.mu.Unlock()

	for _, st := range states {
		data, err := json.Marshal(st)
		if err == nil {
			err = m.store.SaveBlob(ctx, stateKey(st.UnitID), data)
		}
		if err != nil {
			m.logger.WithUnit(st.UnitID).Warn("imported state not saved, restore will use the in-memory record", "error", err)
		}
	}

	m.logger.WithSpace(out.ID).Info("space imported", "name", out.Name, "groups", len(groups), "units", len(states))
	m.publish(ctx, event.NewSpaceCreatedEvent(Source, out.ID, out.Name))
	for _, g := range groups {
		m.publish(ctx, event.NewGroupCreatedEvent(Source, g.ID, out.ID, g.Name))
	}
	for _, st := range states {
		m.publish(ctx, event.NewUnitCreatedEvent(Source, st.UnitID, out.ID, st.URL, ""))
		m.publish(ctx, event.NewUnitSuspendedEvent(Source, st.UnitID, "imported"))
	}
	return out, nil
}

func encode(v any, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatTOML:
		return toml.Marshal(v)
	default:
		return json.MarshalIndent(v, "", "  ")
	}
}

func decode(data []byte, format Format, v any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	case FormatTOML:
		return toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(v)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	}
}
