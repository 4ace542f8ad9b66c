package event

import (
	"testing"
	"time"
)

func TestType_Valid(t *testing.T) {
	for _, typ := range Types() {
		if !typ.Valid() {
			t.Errorf("%q.Valid() = false, want true", typ)
		}
	}
	for _, typ := range []Type{"", "unit", "unit.exploded", "*"} {
		if typ.Valid() {
			t.Errorf("%q.Valid() = true, want false", typ)
		}
	}
}

func TestPriority_String(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityLow, "low"},
		{PriorityNormal, "normal"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
		{Priority(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", tt.p, got, tt.want)
		}
	}
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Error("priorities must be ordered low < normal < high < critical")
	}
}

func TestEvent_PayloadIsCopied(t *testing.T) {
	src := map[string]any{"k": "v"}
	e := New(UnitUpdated, "test", src)

	src["k"] = "mutated"
	if e.String("k") != "v" {
		t.Errorf("String(k) = %q, want v (constructor must copy)", e.String("k"))
	}

	p := e.Payload()
	p["k"] = "mutated"
	if e.String("k") != "v" {
		t.Errorf("String(k) = %q, want v (Payload must copy)", e.String("k"))
	}
}

func TestEvent_Accessors(t *testing.T) {
	e := NewContextUpdatedEvent("coord", "ctx-1", "k", 7, "u1")

	if got := e.Int(KeyVersion); got != 7 {
		t.Errorf("Int(version) = %d, want 7", got)
	}
	if got := e.String(KeyContextID); got != "ctx-1" {
		t.Errorf("String(context_id) = %q, want ctx-1", got)
	}
	if _, ok := e.Value("missing"); ok {
		t.Error("Value(missing) ok = true, want false")
	}
	if e.String(KeyVersion) != "" {
		t.Error("String on a non-string value should return empty")
	}
}

func TestEvent_Expired(t *testing.T) {
	now := time.Now()
	e := New(UnitUpdated, "test", nil)
	e.Timestamp = now.Add(-time.Second)

	if e.Expired(now) {
		t.Error("event without TTL should never expire")
	}
	if !e.WithTTL(500 * time.Millisecond).Expired(now) {
		t.Error("event past its TTL should be expired")
	}
	if e.WithTTL(2 * time.Second).Expired(now) {
		t.Error("event within its TTL should not be expired")
	}
}

func TestConstructorPriorities(t *testing.T) {
	tests := []struct {
		name string
		e    Event
		want Priority
	}{
		{"unit created", NewUnitCreatedEvent("s", "u", "sp", "url", "p"), PriorityNormal},
		{"health step", NewProcessHealthChangedEvent("s", "p", "healthy", "degraded", false), PriorityHigh},
		{"health dead", NewProcessHealthChangedEvent("s", "p", "critical", "dead", true), PriorityCritical},
		{"channel created", NewChannelCreatedEvent("s", "c", "n", "data", []string{"a", "b"}), PriorityLow},
		{"memory pressure", NewMemoryPressureEvent("s", 10, 5), PriorityCritical},
		{"conflict", NewConflictDetectedEvent("s", "c", "k", "id", "manual"), PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.e.Priority != tt.want {
				t.Errorf("Priority = %v, want %v", tt.e.Priority, tt.want)
			}
			if !tt.e.Type.Valid() {
				t.Errorf("Type %q is not valid", tt.e.Type)
			}
		})
	}
}
