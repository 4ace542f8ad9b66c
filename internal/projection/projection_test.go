package projection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// stamp gives e the id and time the bus would have assigned.
func stamp(e event.Event, id string, sec int) event.Event {
	e.ID = id
	e.Timestamp = base.Add(time.Duration(sec) * time.Second)
	return e
}

func feed(t *testing.T, p event.Processor, events ...event.Event) {
	t.Helper()
	for _, e := range events {
		if !p.CanProcess(e) {
			t.Fatalf("%s rejected %s", p.Name(), e.Type)
		}
		if err := p.Process(context.Background(), e); err != nil {
			t.Fatalf("Process(%s) error = %v", e.Type, err)
		}
	}
}

func TestSeen(t *testing.T) {
	s := newSeen(2)
	if !s.add("a") || !s.add("b") {
		t.Fatal("fresh ids reported as seen")
	}
	if s.add("a") {
		t.Error("add(a) twice = true, want false")
	}
	if !s.add("c") {
		t.Error("add(c) = false, want true")
	}
	if !s.add("a") {
		t.Error("evicted id still remembered")
	}
	if s.len() != 2 {
		t.Errorf("len() = %d, want 2", s.len())
	}
	if !s.add("") || !s.add("") {
		t.Error("empty id must always be new")
	}
}

func TestMark_Newer(t *testing.T) {
	m := markOf(stamp(event.Event{}, "m", 5))
	tests := []struct {
		name string
		id   string
		sec  int
		want bool
	}{
		{"later", "a", 6, true},
		{"earlier", "z", 4, false},
		{"same time higher id", "n", 5, true},
		{"same time lower id", "a", 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.newer(stamp(event.Event{}, tt.id, tt.sec)); got != tt.want {
				t.Errorf("newer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnits_Lifecycle(t *testing.T) {
	p := NewUnits()
	feed(t, p,
		stamp(event.NewUnitCreatedEvent("t", "u1", "s1", "https://a", "p1"), "e1", 1),
		stamp(event.NewUnitActivatedEvent("t", "u1", "s1"), "e2", 2),
		stamp(event.NewUnitNavigatedEvent("t", "u1", "https://b"), "e3", 3),
		stamp(event.NewUnitSuspendedEvent("t", "u1", "idle"), "e4", 4),
	)

	v, ok := p.Get("u1")
	if !ok {
		t.Fatal("Get(u1) missing")
	}
	if v.State != UnitSuspended || v.ProcessID != "" || v.SuspendReason != "idle" {
		t.Errorf("after suspend = %+v", v)
	}
	if v.URL != "https://b" || v.Navigations != 1 || v.SpaceID != "s1" {
		t.Errorf("navigation = %+v", v)
	}
	if id, _ := p.Active("s1"); id != "u1" {
		t.Errorf("Active(s1) = %q, want u1", id)
	}

	feed(t, p, stamp(event.NewUnitRestoredEvent("t", "u1", "p2"), "e5", 5))
	if v, _ := p.Get("u1"); v.State != UnitLive || v.ProcessID != "p2" {
		t.Errorf("after restore = %+v", v)
	}

	feed(t, p, stamp(event.NewUnitDestroyedEvent("t", "u1", "s1"), "e6", 6))
	if v, _ := p.Get("u1"); v.State != UnitDestroyed {
		t.Errorf("State = %s, want destroyed", v.State)
	}
	if _, ok := p.Active("s1"); ok {
		t.Error("destroyed unit still active")
	}
	if c := p.Counts(); c != (UnitCounts{Destroyed: 1}) {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestUnits_Duplicates(t *testing.T) {
	p := NewUnits()
	nav := stamp(event.NewUnitNavigatedEvent("t", "u1", "https://b"), "nav", 2)
	feed(t, p, stamp(event.NewUnitCreatedEvent("t", "u1", "s1", "https://a", "p1"), "c", 1), nav, nav, nav)

	if v, _ := p.Get("u1"); v.Navigations != 1 {
		t.Errorf("Navigations = %d, want 1", v.Navigations)
	}
}

func TestUnits_OutOfOrder(t *testing.T) {
	created := stamp(event.NewUnitCreatedEvent("t", "u1", "s1", "https://a", "p1"), "e1", 1)
	suspended := stamp(event.NewUnitSuspendedEvent("t", "u1", "memory"), "e2", 2)
	nav1 := stamp(event.NewUnitNavigatedEvent("t", "u1", "https://b"), "e3", 3)
	nav2 := stamp(event.NewUnitNavigatedEvent("t", "u1", "https://c"), "e4", 4)
	restored := stamp(event.NewUnitRestoredEvent("t", "u1", "p2"), "e5", 5)

	orders := [][]event.Event{
		{created, suspended, nav1, nav2, restored},
		{restored, nav2, nav1, suspended, created},
		{nav2, created, restored, suspended, nav1},
	}
	for i, order := range orders {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			p := NewUnits()
			feed(t, p, order...)
			want := UnitView{
				ID: "u1", SpaceID: "s1", URL: "https://c", ProcessID: "p2",
				State: UnitLive, Navigations: 2, UpdatedAt: restored.Timestamp,
			}
			if v, _ := p.Get("u1"); v != want {
				t.Errorf("Get(u1) = %+v, want %+v", v, want)
			}
		})
	}
}

func TestUnits_DestroyIsTerminal(t *testing.T) {
	p := NewUnits()
	feed(t, p,
		stamp(event.NewUnitDestroyedEvent("t", "u1", "s1"), "e3", 3),
		stamp(event.NewUnitRestoredEvent("t", "u1", "p1"), "e2", 2),
		stamp(event.NewUnitCreatedEvent("t", "u1", "s1", "https://a", "p1"), "e1", 1),
		stamp(event.NewUnitActivatedEvent("t", "u1", "s1"), "e0", 0),
	)
	v, _ := p.Get("u1")
	if v.State != UnitDestroyed || v.ProcessID != "" {
		t.Errorf("Get(u1) = %+v, want destroyed tombstone", v)
	}
	if _, ok := p.Active("s1"); ok {
		t.Error("destroyed unit became active")
	}
}

func TestUnits_ActivePerSpace(t *testing.T) {
	p := NewUnits()
	feed(t, p,
		stamp(event.NewUnitActivatedEvent("t", "u2", "s1"), "e2", 2),
		stamp(event.NewUnitActivatedEvent("t", "u1", "s1"), "e1", 1),
		stamp(event.NewUnitActivatedEvent("t", "u3", "s2"), "e3", 3),
	)
	tests := map[string]string{"s1": "u2", "s2": "u3"}
	for space, want := range tests {
		if got, _ := p.Active(space); got != want {
			t.Errorf("Active(%s) = %q, want %q", space, got, want)
		}
	}
	if got := len(p.List()); got != 3 {
		t.Errorf("len(List()) = %d, want 3", got)
	}
}

func TestUnits_CanProcess(t *testing.T) {
	p := NewUnits()
	tests := []struct {
		e    event.Event
		want bool
	}{
		{event.NewUnitCreatedEvent("t", "u1", "s", "", ""), true},
		{event.NewUnitCreatedEvent("t", "", "s", "", ""), false},
		{event.NewProcessCreatedEvent("t", "p1", "worker"), false},
		{event.NewUnitUpdatedEvent("t", "u1", "title"), false},
	}
	for _, tt := range tests {
		if got := p.CanProcess(tt.e); got != tt.want {
			t.Errorf("CanProcess(%s) = %v, want %v", tt.e.Type, got, tt.want)
		}
	}
}

func TestProcesses_Health(t *testing.T) {
	p := NewProcesses()
	feed(t, p,
		stamp(event.NewProcessCreatedEvent("t", "p1", "render"), "e1", 1),
		stamp(event.NewProcessHealthChangedEvent("t", "p1", "healthy", "degraded", false), "e3", 3),
		stamp(event.NewProcessHealthChangedEvent("t", "p1", "degraded", "critical", false), "e4", 4),
		stamp(event.NewProcessHealthChangedEvent("t", "p1", "healthy", "degraded", false), "e3", 3),
	)
	v, _ := p.Get("p1")
	if v.Health != supervisor.HealthCritical || v.Transitions != 2 || v.Kind != "render" {
		t.Errorf("Get(p1) = %+v", v)
	}

	// A late step back to degraded does not undo the newer critical step.
	feed(t, p, stamp(event.NewProcessHealthChangedEvent("t", "p1", "critical", "degraded", false), "e2", 2))
	if v, _ := p.Get("p1"); v.Health != supervisor.HealthCritical {
		t.Errorf("Health = %s, want critical", v.Health)
	}
}

func TestProcesses_DeadIsTerminal(t *testing.T) {
	p := NewProcesses()
	feed(t, p,
		stamp(event.NewProcessHealthChangedEvent("t", "p1", "critical", "dead", true), "e1", 1),
		stamp(event.NewProcessHealthChangedEvent("t", "p1", "critical", "healthy", false), "e2", 2),
		stamp(event.NewProcessCreatedEvent("t", "p1", "worker"), "e0", 0),
	)
	if v, _ := p.Get("p1"); v.Health != supervisor.HealthDead {
		t.Errorf("Health = %s, want dead", v.Health)
	}
}

func TestProcesses_ResourcesAndDestroy(t *testing.T) {
	p := NewProcesses()
	feed(t, p,
		stamp(event.NewProcessCreatedEvent("t", "p1", "worker"), "e1", 1),
		stamp(event.NewProcessCreatedEvent("t", "p2", "worker"), "e2", 1),
		stamp(event.NewResourceAllocatedEvent("t", "p1", 512, 0.5), "e4", 4),
		stamp(event.NewResourceAllocatedEvent("t", "p1", 256, 0.25), "e3", 3),
		stamp(event.NewProcessSuspendedEvent("t", "p1", 128), "e5", 5),
		stamp(event.NewProcessDestroyedEvent("t", "p2", "idle"), "e6", 6),
	)
	v, _ := p.Get("p1")
	if v.MemoryLimitMB != 512 || v.CPUQuota != 0.5 || v.Suspensions != 1 {
		t.Errorf("Get(p1) = %+v", v)
	}
	if v, _ := p.Get("p2"); !v.Destroyed || v.DestroyReason != "idle" {
		t.Errorf("Get(p2) = %+v", v)
	}
	if got := p.ByHealth(); len(got) != 1 || got[supervisor.HealthHealthy] != 1 {
		t.Errorf("ByHealth() = %v, want one healthy", got)
	}
	if got := len(p.List()); got != 2 {
		t.Errorf("len(List()) = %d, want 2", got)
	}
}

func TestContexts_Versions(t *testing.T) {
	p := NewContexts()
	feed(t, p,
		stamp(event.NewContextUpdatedEvent("t", "c1", "b", 3, "u2"), "e3", 3),
		stamp(event.NewContextCreatedEvent("t", "c1", "notes", "u1"), "e1", 1),
		stamp(event.NewContextUpdatedEvent("t", "c1", "a", 2, "u1"), "e2", 2),
		stamp(event.NewContextUpdatedEvent("t", "c1", "a", 2, "u1"), "e2", 2),
		stamp(event.NewConflictDetectedEvent("t", "c1", "b", "k1", "owner_priority"), "e4", 4),
	)
	v, ok := p.Get("c1")
	if !ok {
		t.Fatal("Get(c1) missing")
	}
	if v.Version != 3 || v.LastWriter != "u2" || v.Name != "notes" || v.Owner != "u1" {
		t.Errorf("Get(c1) = %+v", v)
	}
	if v.Keys["a"] != 2 || v.Keys["b"] != 3 || v.Conflicts != 1 {
		t.Errorf("Keys = %v, Conflicts = %d", v.Keys, v.Conflicts)
	}

	v.Keys["a"] = 99
	if again, _ := p.Get("c1"); again.Keys["a"] != 2 {
		t.Error("Get() returned shared key map")
	}
}

func TestContexts_Deleted(t *testing.T) {
	p := NewContexts()
	feed(t, p,
		stamp(event.NewContextCreatedEvent("t", "c1", "one", "u1"), "e1", 1),
		stamp(event.NewContextCreatedEvent("t", "c2", "two", "u1"), "e2", 1),
		stamp(event.NewContextDeletedEvent("t", "c1"), "e3", 2),
		stamp(event.NewContextUpdatedEvent("t", "c1", "a", 5, "u1"), "e4", 3),
	)
	v, _ := p.Get("c1")
	if !v.Deleted || v.Version != 1 {
		t.Errorf("Get(c1) = %+v, want deleted at version 1", v)
	}
	list := p.List()
	if len(list) != 1 || list[0].ID != "c2" {
		t.Errorf("List() = %+v, want only c2", list)
	}
}

func TestSet_RegisterOnBus(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	s := NewSet()
	if err := s.Register(bus); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(bus); err == nil {
		t.Error("second Register() error = nil, want duplicate name")
	}
	if got := bus.Stats().Processors; got != 3 {
		t.Errorf("Processors = %d, want 3 after failed re-register", got)
	}

	ctx := context.Background()
	events := []event.Event{
		event.NewUnitCreatedEvent("t", "u1", "s1", "https://a", "p1"),
		event.NewProcessCreatedEvent("t", "p1", "render"),
		event.NewContextCreatedEvent("t", "c1", "notes", "u1"),
	}
	for _, e := range events {
		if err := bus.Publish(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Units.Get("u1"); !ok {
		t.Error("unit not projected")
	}
	if _, ok := s.Processes.Get("p1"); !ok {
		t.Error("process not projected")
	}
	if _, ok := s.Contexts.Get("c1"); !ok {
		t.Error("context not projected")
	}

	s.Unregister(bus)
	if got := bus.Stats().Processors; got != 0 {
		t.Errorf("Processors = %d after Unregister, want 0", got)
	}
}
