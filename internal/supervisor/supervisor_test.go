package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/switchyard/internal/engine"
	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/testutil"
)

type fixture struct {
	sup      *Supervisor
	eng      *engine.Simulated
	channels *ipc.Registry
	events   *testutil.Recorder
}

func newFixture(t *testing.T, cfg Config, engOpts ...engine.SimOption) *fixture {
	t.Helper()
	bus := event.NewBus()
	rec := testutil.Record(t, bus)
	channels := ipc.NewRegistry(ipc.WithBus(bus))
	eng := engine.NewSimulated(engOpts...)
	sup := New(eng, channels, WithBus(bus), WithConfig(cfg))

	t.Cleanup(func() {
		sup.Shutdown(context.Background())
		channels.Close(context.Background())
		bus.Close()
	})
	return &fixture{sup: sup, eng: eng, channels: channels, events: rec}
}

func TestCreateProcess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.sup.CreateProcess(ctx, engine.KindRender, engine.Config{MemoryLimitMB: 512})
	if err != nil {
		t.Fatalf("CreateProcess() error = %v", err)
	}
	if rec.Health != HealthHealthy || rec.Kind != engine.KindRender || !rec.Idle() {
		t.Errorf("CreateProcess() record = %+v", rec)
	}

	ch, err := f.channels.Get(rec.ChannelID)
	if err != nil {
		t.Fatalf("control channel missing: %v", err)
	}
	if ch.Name != ProcessEndpoint(rec.ID) || ch.Kind != ipc.KindControl {
		t.Errorf("control channel = %+v", ch)
	}
	if !ch.HasEndpoint(Endpoint) || !ch.HasEndpoint(ProcessEndpoint(rec.ID)) {
		t.Errorf("control channel endpoints = %v", ch.Endpoints)
	}
	if got := len(f.events.OfType(event.ProcessCreated)); got != 1 {
		t.Errorf("ProcessCreated events = %d, want 1", got)
	}
	if f.eng.Live() != 1 {
		t.Errorf("engine Live() = %d, want 1", f.eng.Live())
	}
}

func TestCreateProcess_AutomationChannelIsSecure(t *testing.T) {
	f := newFixture(t, Config{})
	rec, err := f.sup.CreateProcess(context.Background(), engine.KindAutomation, engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ch, _ := f.channels.Get(rec.ChannelID)
	if !ch.Secure {
		t.Error("automation control channel Secure = false, want true")
	}
}

func TestCreateProcess_InvalidKind(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.sup.CreateProcess(context.Background(), engine.Kind("gpu"), engine.Config{})
	if !coreerrors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("CreateProcess() error = %v, want invalid input", err)
	}
}

func TestCreateProcess_SpawnFailure(t *testing.T) {
	f := newFixture(t, Config{})
	boom := errors.New("no sandbox")
	f.eng.FailNextSpawn(boom)

	_, err := f.sup.CreateProcess(context.Background(), engine.KindWorker, engine.Config{})
	if !errors.Is(err, boom) {
		t.Errorf("CreateProcess() error = %v, want %v", err, boom)
	}
	if len(f.sup.List()) != 0 || len(f.channels.List()) != 0 {
		t.Error("failed spawn left records or channels behind")
	}
	if f.sup.Stats().SpawnFailures != 1 {
		t.Errorf("SpawnFailures = %d, want 1", f.sup.Stats().SpawnFailures)
	}
}

func TestCreateProcess_SpawnTimeout(t *testing.T) {
	f := newFixture(t, Config{SpawnTimeout: 20 * time.Millisecond}, engine.WithSpawnLatency(time.Second))

	_, err := f.sup.CreateProcess(context.Background(), engine.KindWorker, engine.Config{})
	if !coreerrors.Is(err, coreerrors.ErrTimeout) {
		t.Fatalf("CreateProcess() error = %v, want timeout", err)
	}
	if f.eng.Live() != 0 || len(f.channels.List()) != 0 || len(f.sup.List()) != 0 {
		t.Error("timed out spawn left resources behind")
	}
}

func TestDestroyProcess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	if err != nil {
		t.Fatal(err)
	}

	err = f.sup.DestroyProcess(ctx, rec.ID)
	if !coreerrors.Is(err, coreerrors.ErrProcessBusy) {
		t.Fatalf("DestroyProcess() busy error = %v, want ErrProcessBusy", err)
	}

	if err := f.sup.ReleaseUnit(ctx, rec.ID, "u1", false); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.DestroyProcess(ctx, rec.ID); err != nil {
		t.Fatalf("DestroyProcess() error = %v", err)
	}
	if err := f.sup.DestroyProcess(ctx, rec.ID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("second DestroyProcess() error = %v, want NotFound", err)
	}
	if _, err := f.channels.Get(rec.ChannelID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("control channel survived process destruction")
	}
	if f.eng.Live() != 0 {
		t.Errorf("engine Live() = %d, want 0", f.eng.Live())
	}
	if got := len(f.events.OfType(event.ProcessDestroyed)); got != 1 {
		t.Errorf("ProcessDestroyed events = %d, want 1", got)
	}
}

func TestAcquire_ReusesUnderQuota(t *testing.T) {
	f := newFixture(t, Config{MaxUnitsPerProcess: 2})
	ctx := context.Background()

	p1, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	p2, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u2", "https://b.test")
	p3, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u3", "https://c.test")
	p4, _ := f.sup.Acquire(ctx, engine.KindNetwork, engine.Config{}, "u4", "https://d.test")

	if p1.ID != p2.ID {
		t.Error("second unit did not reuse the under-quota process")
	}
	if p3.ID == p1.ID {
		t.Error("third unit exceeded the per-process bound")
	}
	if p4.ID == p3.ID || p4.Kind != engine.KindNetwork {
		t.Error("different kind reused a render process")
	}
	if got := f.eng.Units(f.mustHandle(t, p1.ID)); len(got) != 2 {
		t.Errorf("engine units on first process = %v, want 2", got)
	}

	owner, ok := f.sup.OwnerOf("u2")
	if !ok || owner.ID != p1.ID {
		t.Errorf("OwnerOf(u2) = %v, %v", owner.ID, ok)
	}
}

// mustHandle finds the engine handle id behind a process id.
func (f *fixture) mustHandle(t *testing.T, processID string) string {
	t.Helper()
	f.sup.mu.Lock()
	defer f.sup.mu.Unlock()
	p, ok := f.sup.procs[processID]
	if !ok {
		t.Fatalf("process %s not tracked", processID)
	}
	return p.handle.ID
}

func TestReleaseUnit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")

	if err := f.sup.ReleaseUnit(ctx, rec.ID, "nope", true); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("ReleaseUnit(unknown unit) error = %v, want NotFound", err)
	}
	if err := f.sup.ReleaseUnit(ctx, rec.ID, "u1", true); err != nil {
		t.Fatalf("ReleaseUnit() error = %v", err)
	}
	if _, err := f.sup.Get(rec.ID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("empty process was not destroyed")
	}
}

func TestAssignUnit_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, _ := f.sup.CreateProcess(ctx, engine.KindRender, engine.Config{})

	f.sup.AssignUnit(ctx, rec.ID, "u1", "https://a.test")
	f.sup.AssignUnit(ctx, rec.ID, "u1", "https://a.test")

	got, _ := f.sup.Get(rec.ID)
	if len(got.OwnedUnits) != 1 {
		t.Errorf("OwnedUnits = %v, want one entry", got.OwnedUnits)
	}
	if err := f.sup.AssignUnit(ctx, "nope", "u1", ""); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("AssignUnit(unknown) error = %v, want NotFound", err)
	}
}

func TestAllocateResources(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, _ := f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})

	err := f.sup.AllocateResources(ctx, Allocation{ProcessID: rec.ID, MemoryLimitMB: 256, CPUQuota: 0.5})
	if err != nil {
		t.Fatalf("AllocateResources() error = %v", err)
	}

	controls := f.eng.Controls(f.mustHandle(t, rec.ID))
	if len(controls) != 1 || controls[0].Command != engine.CommandAllocate {
		t.Fatalf("engine controls = %+v, want one allocate", controls)
	}
	if controls[0].Params[event.KeyLimitMB] != int64(256) {
		t.Errorf("allocate params = %v", controls[0].Params)
	}

	got, _ := f.sup.Get(rec.ID)
	if got.Config.MemoryLimitMB != 256 || got.Config.CPUQuota != 0.5 {
		t.Errorf("record config = %+v", got.Config)
	}
	if n := len(f.events.OfType(event.ResourceAllocated)); n != 1 {
		t.Errorf("ResourceAllocated events = %d, want 1", n)
	}

	if err := f.sup.AllocateResources(ctx, Allocation{ProcessID: "nope"}); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("AllocateResources(unknown) error = %v, want NotFound", err)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	if err := f.sup.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if n := f.sup.Shutdown(ctx); n != 2 {
		t.Errorf("Shutdown() = %d, want 2", n)
	}
	if f.sup.Running() {
		t.Error("Running() = true after Shutdown")
	}
	if f.eng.Live() != 0 || len(f.channels.List()) != 0 || len(f.sup.List()) != 0 {
		t.Error("Shutdown left processes or channels behind")
	}
	if n := f.sup.Shutdown(ctx); n != 0 {
		t.Errorf("second Shutdown() = %d, want 0", n)
	}
}

func TestShutdown_ConcurrentWithUnitChanges(t *testing.T) {
	f := newFixture(t, Config{MaxUnitsPerProcess: 2})
	ctx := context.Background()

	var procs []ProcessRecord
	for i := 0; i < 4; i++ {
		rec, err := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, fmt.Sprintf("u%d", i), "https://a.test")
		if err != nil {
			t.Fatal(err)
		}
		procs = append(procs, rec)
	}

	var wg sync.WaitGroup
	for i, rec := range procs {
		wg.Add(1)
		go func(i int, processID string) {
			defer wg.Done()
			unitID := fmt.Sprintf("u%d", i)
			for j := 0; j < 50; j++ {
				_ = f.sup.ReleaseUnit(ctx, processID, unitID, false)
				_ = f.sup.AssignUnit(ctx, processID, unitID, "https://a.test")
			}
		}(i, rec.ID)
	}

	if n := f.sup.Shutdown(ctx); n != 2 {
		t.Errorf("Shutdown() = %d, want 2", n)
	}
	wg.Wait()

	if len(f.sup.List()) != 0 {
		t.Errorf("List() after Shutdown = %d processes, want 0", len(f.sup.List()))
	}
	if _, hosted := f.sup.OwnerOf("u0"); hosted {
		t.Error("unit still hosted after Shutdown")
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	f := newFixture(t, Config{MaxUnitsPerProcess: 3})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unit := "u" + string(rune('a'+i))
			rec, err := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, unit, "https://x.test")
			if err != nil {
				t.Errorf("Acquire(%s) error = %v", unit, err)
				return
			}
			if i%2 == 0 {
				if err := f.sup.ReleaseUnit(ctx, rec.ID, unit, true); err != nil {
					t.Errorf("ReleaseUnit(%s) error = %v", unit, err)
				}
			}
		}(i)
	}
	wg.Wait()

	owned := 0
	for _, p := range f.sup.List() {
		if len(p.OwnedUnits) > 3 {
			t.Errorf("process %s owns %d units, bound is 3", p.ID, len(p.OwnedUnits))
		}
		owned += len(p.OwnedUnits)
	}
	if owned != 10 {
		t.Errorf("owned units = %d, want 10", owned)
	}
}

func TestNavigateAndExtract(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")

	if err := f.sup.Navigate(ctx, rec.ID, "u1", "https://b.test"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	c, err := f.sup.ExtractContent(ctx, rec.ID, "u1", engine.ExtractOptions{})
	if err != nil {
		t.Fatalf("ExtractContent() error = %v", err)
	}
	if c.Metadata["url"] != "https://b.test" {
		t.Errorf("content url = %q, want https://b.test", c.Metadata["url"])
	}
	if err := f.sup.Navigate(ctx, rec.ID, "u9", "https://c.test"); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("Navigate(unhosted) error = %v, want NotFound", err)
	}
}
