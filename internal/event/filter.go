package event

import (
	"reflect"
	"slices"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cast"

	"github.com/Iron-Ham/switchyard/internal/errors"
)

// Filter selects events. Every non-empty field must match (fields are
// ANDed); within a field any listed value matches (set membership).
type Filter struct {
	// Types restricts the event type.
	Types []Type
	// Sources restricts the publisher. Entries are glob patterns, so
	// "unit:*" matches every unit source and a literal matches exactly.
	Sources []string
	// Priorities restricts the event priority.
	Priorities []Priority
	// Since and Until bound the timestamp inclusively. Zero means unbounded.
	Since time.Time
	Until time.Time
	// Payload requires each key to be present with a deeply equal value.
	// Numbers compare by value whatever their Go type.
	Payload map[string]any
}

// Matcher is a compiled Filter.
type Matcher struct {
	filter  Filter
	sources []glob.Glob
}

// Compile validates f and prepares its source patterns.
func (f Filter) Compile() (*Matcher, error) {
	for _, t := range f.Types {
		if !t.Valid() {
			return nil, errors.NewValidationError("unknown event type").WithField("types").WithValue(t)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, errors.NewValidationError("time range ends before it starts").WithField("until")
	}

	m := &Matcher{filter: f}
	for _, pattern := range f.Sources {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.NewValidationError("invalid source pattern").
				WithField("sources").WithValue(pattern).WithCause(err)
		}
		m.sources = append(m.sources, g)
	}
	return m, nil
}

// Match reports whether e satisfies every field of the filter.
func (m *Matcher) Match(e Event) bool {
	f := m.filter

	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(m.sources) > 0 && !slices.ContainsFunc(m.sources, func(g glob.Glob) bool { return g.Match(e.Source) }) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, e.Priority) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	for k, want := range f.Payload {
		got, ok := e.payload[k]
		if !ok || !payloadEqual(got, want) {
			return false
		}
	}
	return true
}

// payloadEqual compares a payload value with a filter value. Two numbers
// are equal when their values are, so a filter built with an int matches
// a uint64 or float64 payload.
func payloadEqual(got, want any) bool {
	if isNumber(got) && isNumber(want) {
		g, gerr := cast.ToFloat64E(got)
		w, werr := cast.ToFloat64E(want)
		return gerr == nil && werr == nil && g == w
	}
	return reflect.DeepEqual(got, want)
}

func isNumber(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
