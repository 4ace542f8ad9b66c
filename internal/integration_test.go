// Package internal contains integration tests that wire the core packages
// together without the host, checking that events published by one
// component reach the others.
package internal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/projection"
	"github.com/Iron-Ham/switchyard/internal/storage"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
	"github.com/Iron-Ham/switchyard/internal/unit"
)

type stack struct {
	bus   *event.Bus
	views *projection.Set
	procs *supervisor.Supervisor
	units *unit.Manager
	store *storage.MemoryStore
}

func newStack(t *testing.T) *stack {
	t.Helper()
	bus := event.NewBus()
	views := projection.NewSet()
	if err := views.Register(bus); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	channels := ipc.NewRegistry(ipc.WithBus(bus))
	procs := supervisor.New(engine.NewSimulated(), channels, supervisor.WithBus(bus))
	store := storage.NewMemoryStore()
	units := unit.New(procs, store, unit.WithBus(bus))

	t.Cleanup(func() {
		ctx := context.Background()
		units.Close()
		procs.Shutdown(ctx)
		channels.Close(ctx)
		_ = bus.Close()
	})
	return &stack{bus: bus, views: views, procs: procs, units: units, store: store}
}

// TestUnitLifecycleReachesProjections drives a unit through create,
// suspend, restore and destroy and checks the projected view after each.
func TestUnitLifecycleReachesProjections(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	u, err := s.units.CreateUnit(ctx, "https://a.test", unit.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateUnit() error = %v", err)
	}

	steps := []struct {
		name string
		do   func() error
		want projection.UnitState
	}{
		{"create", func() error { return nil }, projection.UnitLive},
		{"suspend", func() error { return s.units.SuspendUnit(ctx, u.ID) }, projection.UnitSuspended},
		{"restore", func() error { return s.units.RestoreUnit(ctx, u.ID) }, projection.UnitLive},
		{"destroy", func() error { return s.units.DestroyUnit(ctx, u.ID) }, projection.UnitDestroyed},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("%s: error = %v", step.name, err)
		}
		if err := s.bus.Flush(ctx); err != nil {
			t.Fatal(err)
		}
		v, ok := s.views.Units.Get(u.ID)
		if !ok {
			t.Fatalf("%s: unit missing from projection", step.name)
		}
		if v.State != step.want {
			t.Errorf("%s: State = %s, want %s", step.name, v.State, step.want)
		}
	}
}

// TestSuspendedStatePersists checks that suspension writes the unit's
// state to the store and that restoring picks it back up.
func TestSuspendedStatePersists(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	u, err := s.units.CreateUnit(ctx, "https://a.test", unit.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.units.Navigate(ctx, u.ID, "https://a.test/next"); err != nil {
		t.Fatal(err)
	}
	if err := s.units.SuspendUnit(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.store.LoadBlob(ctx, storage.PrefixUnitState+u.ID); err != nil {
		t.Errorf("LoadBlob() error = %v, want saved state", err)
	}
	if _, ok := s.procs.OwnerOf(u.ID); ok {
		t.Error("suspended unit still owned by a process")
	}

	if err := s.units.RestoreUnit(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.units.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != "https://a.test/next" {
		t.Errorf("URL after restore = %q, want the navigated URL", got.URL)
	}
	if _, ok := s.procs.OwnerOf(u.ID); !ok {
		t.Error("restored unit has no process")
	}
}

// TestProcessesReachProjections checks that the process projection agrees
// with the supervisor after units are created and the host shuts down.
func TestProcessesReachProjections(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for i := range 3 {
		if _, err := s.units.CreateUnit(ctx, fmt.Sprintf("https://%d.test", i), unit.CreateOptions{Background: i > 0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.bus.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	live := len(s.procs.List())
	if got := s.views.Processes.ByHealth()[supervisor.HealthHealthy]; got != live {
		t.Errorf("projected healthy processes = %d, want %d", got, live)
	}

	if _, err := s.units.SuspendAll(ctx); err != nil {
		t.Fatal(err)
	}
	s.procs.Shutdown(ctx)
	if err := s.bus.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(s.views.Processes.ByHealth()); got != 0 {
		t.Errorf("projected processes after shutdown = %d, want 0", got)
	}
}

// TestBusConcurrentPublish publishes from many goroutines and checks that
// a wildcard subscriber sees every event exactly once.
func TestBusConcurrentPublish(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	var received atomic.Int64
	if _, err := bus.SubscribeAll(func(context.Context, event.Event) { received.Add(1) }); err != nil {
		t.Fatal(err)
	}

	const publishers = 100
	var wg sync.WaitGroup
	for i := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), event.NewUnitUpdatedEvent("test", fmt.Sprintf("u%d", i), "title"))
		}()
	}
	wg.Wait()

	if got := received.Load(); got != publishers {
		t.Errorf("received %d events, want %d", got, publishers)
	}
}
