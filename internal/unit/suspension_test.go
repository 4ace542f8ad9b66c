package unit

import (
	"context"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/testutil"
)

// sessions is a CollaborationChecker backed by a fixed set.
type sessions struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (s *sessions) InActiveSession(unitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[unitID]
}

func (s *sessions) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]bool)
	}
	s.ids[id] = true
}

func suspendedSet(m *Manager) map[string]bool {
	out := make(map[string]bool)
	for _, u := range m.List() {
		if u.Suspended {
			out[u.ID] = true
		}
	}
	return out
}

func TestOptimizeMemory_Exclusions(t *testing.T) {
	collab := &sessions{}
	f := newFixture(t, Config{}, WithCollaboration(collab))
	ctx := context.Background()

	active := f.mustCreate(t, "https://active.test", CreateOptions{})
	pinned := f.mustCreate(t, "https://pinned.test", CreateOptions{Background: true, Pinned: true})
	shared := f.mustCreate(t, "https://shared.test", CreateOptions{Background: true})
	x := f.mustCreate(t, "https://x.test", CreateOptions{Background: true})
	y := f.mustCreate(t, "https://y.test", CreateOptions{Background: true})
	collab.add(shared.ID)

	other, _ := f.m.CreateSpace(ctx, "Other", nil)
	otherActive := f.mustCreate(t, "https://other.test", CreateOptions{SpaceID: other.ID})

	n, err := f.m.OptimizeMemory(ctx)
	if err != nil {
		t.Fatalf("OptimizeMemory() error = %v", err)
	}
	if n != 2 {
		t.Errorf("OptimizeMemory() = %d, want 2", n)
	}

	got := suspendedSet(f.m)
	for _, u := range []Unit{x, y} {
		if !got[u.ID] {
			t.Errorf("eligible unit %s was not suspended", u.URL)
		}
	}
	for _, u := range []Unit{active, pinned, shared, otherActive} {
		if got[u.ID] {
			t.Errorf("protected unit %s was suspended", u.URL)
		}
	}
	for _, e := range f.events.OfType(event.UnitSuspended) {
		if e.String(event.KeyReason) != "forced" {
			t.Errorf("suspension reason = %q, want forced", e.String(event.KeyReason))
		}
	}
	f.assertPairing(t)
}

func TestOptimizeMemory_KeepsMinWarm(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.m.SetPolicy(NewPolicy(WithMinWarm(3), WithMemoryLimit(0)))

	f.mustCreate(t, "https://active.test", CreateOptions{})
	for _, url := range []string{"https://a.test", "https://b.test", "https://c.test", "https://d.test"} {
		f.mustCreate(t, url, CreateOptions{Background: true})
	}

	n, err := f.m.OptimizeMemory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("OptimizeMemory() = %d, want 2 (5 resident, 3 kept warm)", n)
	}
	if st := f.m.Stats(); st.Active != 3 {
		t.Errorf("resident units = %d, want 3", st.Active)
	}
}

func TestSuspendAll(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.mustCreate(t, "https://a.test", CreateOptions{})
	f.mustCreate(t, "https://b.test", CreateOptions{Background: true, Pinned: true})
	c := f.mustCreate(t, "https://c.test", CreateOptions{Background: true})
	if err := f.m.SuspendUnit(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	n, err := f.m.SuspendAll(ctx)
	if err != nil {
		t.Fatalf("SuspendAll() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SuspendAll() = %d, want 2", n)
	}
	if st := f.m.Stats(); st.Active != 0 || st.Suspended != 3 {
		t.Errorf("Stats() = %+v, want everything suspended", st)
	}
	if f.eng.Live() != 0 {
		t.Errorf("engine Live() = %d, want 0", f.eng.Live())
	}
	f.assertPairing(t)
}

func TestCheckSuspensionCriteria(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	active := f.mustCreate(t, "https://active.test", CreateOptions{})
	idle := f.mustCreate(t, "https://idle.test", CreateOptions{Background: true})

	f.m.SetPolicy(NewPolicy(
		WithStrategy(StrategyTime),
		WithIdleAfter(time.Hour),
		WithGrace(0),
		WithMinWarm(0),
		WithMemoryLimit(0),
	))
	if ids, err := f.m.CheckSuspensionCriteria(ctx); err != nil || len(ids) != 0 {
		t.Fatalf("CheckSuspensionCriteria() = %v, %v; want nothing idle yet", ids, err)
	}

	f.m.mu.Lock()
	f.m.units[idle.ID].u.LastActive = time.Now().Add(-2 * time.Hour)
	f.m.units[active.ID].u.LastActive = time.Now().Add(-2 * time.Hour)
	f.m.mu.Unlock()

	ids, err := f.m.CheckSuspensionCriteria(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(ids, []string{idle.ID}) {
		t.Errorf("CheckSuspensionCriteria() = %v, want only the idle background unit", ids)
	}
}

func TestMemoryPressureEvent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.mustCreate(t, "https://active.test", CreateOptions{})
	for _, url := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		f.mustCreate(t, url, CreateOptions{Background: true})
	}
	// Every simulated process hosting one unit reports 120MB.
	f.sup.MonitorProcesses(ctx)
	f.m.SetPolicy(NewPolicy(WithMinWarm(0), WithMemoryLimit(250)))

	if err := f.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Start(ctx); !coreerrors.Is(err, coreerrors.ErrInvalidState) {
		t.Errorf("second Start() error = %v, want InvalidState", err)
	}

	if err := f.bus.Publish(ctx, event.NewMemoryPressureEvent("test", 480, 250)); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, "pressure suspensions", func() bool { return f.m.Stats().Suspended == 2 })

	f.m.Stop()
	if st := f.m.Stats(); st.Suspended != 2 || st.Active != 2 {
		t.Errorf("Stats() = %+v, want memory brought back under the limit", st)
	}
	f.assertPairing(t)
}

func TestStop_WithoutStart(t *testing.T) {
	f := newFixture(t, Config{})
	f.m.Stop()
	f.m.Stop()
}
