package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/switchyard/internal/engine"
	coreerrors "github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/testutil"
)

func healthSteps(events []event.Event) [][2]string {
	var out [][2]string
	for _, e := range events {
		out = append(out, [2]string{e.String(event.KeyFrom), e.String(event.KeyTo)})
	}
	return out
}

func TestEvaluate(t *testing.T) {
	s := New(engine.NewSimulated(), nil, WithConfig(Config{DegradedMemoryMB: 500, CriticalCPUPercent: 90}))
	probeErr := errors.New("hung")

	tests := []struct {
		name    string
		current Health
		usage   engine.Usage
		probe   error
		want    Health
	}{
		{"healthy stays", HealthHealthy, engine.Usage{MemoryMB: 100}, nil, HealthHealthy},
		{"memory degrades", HealthHealthy, engine.Usage{MemoryMB: 600}, nil, HealthDegraded},
		{"cpu goes critical", HealthHealthy, engine.Usage{CPUPercent: 95}, nil, HealthCritical},
		{"failed probe worsens one step", HealthHealthy, engine.Usage{}, probeErr, HealthDegraded},
		{"degraded recovers on clean probe", HealthDegraded, engine.Usage{MemoryMB: 100}, nil, HealthHealthy},
		{"degraded with failed probe goes critical", HealthDegraded, engine.Usage{}, probeErr, HealthCritical},
		{"critical does not recover", HealthCritical, engine.Usage{}, nil, HealthCritical},
		{"critical with failed probe dies", HealthCritical, engine.Usage{}, probeErr, HealthDead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.evaluate(tt.current, tt.usage, tt.probe); got != tt.want {
				t.Errorf("evaluate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMonitor_HealthProgression(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var orphanMu sync.Mutex
	var orphaned []string
	f.sup.OnOrphans(func(_ context.Context, _ string, units []string) {
		orphanMu.Lock()
		orphaned = append(orphaned, units...)
		orphanMu.Unlock()
	})

	rec, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	h := f.mustHandle(t, rec.ID)

	f.eng.SetUsage(h, engine.Usage{MemoryMB: 600})
	f.sup.MonitorProcesses(ctx)
	if got, _ := f.sup.Get(rec.ID); got.Health != HealthDegraded || got.MemoryMB != 600 {
		t.Fatalf("after memory spike: %+v", got)
	}

	f.eng.SetUsage(h, engine.Usage{MemoryMB: 600, CPUPercent: 99})
	f.sup.MonitorProcesses(ctx)
	if got, _ := f.sup.Get(rec.ID); got.Health != HealthCritical {
		t.Fatalf("after cpu spike: health = %s", got.Health)
	}

	f.eng.ClearUsage(h)
	f.sup.MonitorProcesses(ctx)
	if got, _ := f.sup.Get(rec.ID); got.Health != HealthCritical {
		t.Fatalf("critical recovered to %s", got.Health)
	}

	f.eng.SetProbeError(h, errors.New("unresponsive"))
	f.sup.MonitorProcesses(ctx)
	got, _ := f.sup.Get(rec.ID)
	if got.Health != HealthDead || !got.Idle() {
		t.Fatalf("after failed probe: %+v, want dead with no units", got)
	}

	want := [][2]string{{"healthy", "degraded"}, {"degraded", "critical"}, {"critical", "dead"}}
	steps := healthSteps(f.events.OfType(event.ProcessHealthChanged))
	if len(steps) != len(want) {
		t.Fatalf("health steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, steps[i], want[i])
		}
	}

	orphanMu.Lock()
	if len(orphaned) != 1 || orphaned[0] != "u1" {
		t.Errorf("orphaned = %v, want [u1]", orphaned)
	}
	orphanMu.Unlock()

	if _, ok := f.sup.OwnerOf("u1"); ok {
		t.Error("dead process still owns u1")
	}
	if err := f.sup.AssignUnit(ctx, rec.ID, "u2", ""); !coreerrors.Is(err, coreerrors.ErrProcessDead) {
		t.Errorf("AssignUnit(dead) error = %v, want ErrProcessDead", err)
	}

	// Dead is terminal.
	f.sup.MonitorProcesses(ctx)
	if n := len(f.events.OfType(event.ProcessHealthChanged)); n != 3 {
		t.Errorf("health events after death = %d, want 3", n)
	}
}

func TestMonitor_Recovery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, _ := f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	h := f.mustHandle(t, rec.ID)

	f.eng.SetUsage(h, engine.Usage{MemoryMB: 700})
	f.sup.MonitorProcesses(ctx)
	f.eng.ClearUsage(h)
	f.sup.MonitorProcesses(ctx)

	got, _ := f.sup.Get(rec.ID)
	if got.Health != HealthHealthy {
		t.Errorf("health = %s, want healthy after recovery", got.Health)
	}
	steps := healthSteps(f.events.OfType(event.ProcessHealthChanged))
	if len(steps) != 2 || steps[1] != [2]string{"degraded", "healthy"} {
		t.Errorf("health steps = %v", steps)
	}
}

func TestCrash_StepsToDeadAndReaps(t *testing.T) {
	f := newFixture(t, Config{DeadGrace: time.Millisecond})
	ctx := context.Background()

	orphans := make(chan []string, 1)
	f.sup.OnOrphans(func(_ context.Context, _ string, units []string) { orphans <- units })

	rec, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	if !f.eng.Crash(f.mustHandle(t, rec.ID), errors.New("segfault")) {
		t.Fatal("Crash() = false")
	}

	select {
	case units := <-orphans:
		if len(units) != 1 || units[0] != "u1" {
			t.Errorf("orphans = %v", units)
		}
	case <-time.After(time.Second):
		t.Fatal("orphan handler not called")
	}

	health := f.events.OfType(event.ProcessHealthChanged)
	if len(health) != 3 {
		t.Fatalf("health events = %d, want 3 single steps", len(health))
	}
	last := health[2]
	if last.Priority != event.PriorityCritical {
		t.Errorf("death event priority = %s, want critical", last.Priority)
	}
	if _, err := f.channels.Get(rec.ChannelID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("control channel survived death")
	}

	time.Sleep(5 * time.Millisecond)
	f.sup.MonitorProcesses(ctx)
	if _, err := f.sup.Get(rec.ID); !coreerrors.Is(err, coreerrors.ErrNotFound) {
		t.Error("dead record not reaped after grace")
	}
	if f.sup.Stats().Reaped != 1 {
		t.Errorf("Reaped = %d, want 1", f.sup.Stats().Reaped)
	}
	if n := len(f.events.OfType(event.ProcessDestroyed)); n != 1 {
		t.Errorf("ProcessDestroyed events = %d, want 1", n)
	}
}

func TestOptimizeResourceAllocation(t *testing.T) {
	f := newFixture(t, Config{IdleMemoryMB: 300})
	ctx := context.Background()

	idle, _ := f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	busy, _ := f.sup.Acquire(ctx, engine.KindRender, engine.Config{}, "u1", "https://a.test")
	small, _ := f.sup.CreateProcess(ctx, engine.KindNetwork, engine.Config{})

	f.eng.SetUsage(f.mustHandle(t, idle.ID), engine.Usage{MemoryMB: 400})
	f.eng.SetUsage(f.mustHandle(t, busy.ID), engine.Usage{MemoryMB: 400})
	f.eng.SetUsage(f.mustHandle(t, small.ID), engine.Usage{MemoryMB: 100})
	f.sup.MonitorProcesses(ctx)

	if n := f.sup.OptimizeResourceAllocation(ctx); n != 1 {
		t.Fatalf("OptimizeResourceAllocation() = %d, want 1", n)
	}
	got, _ := f.sup.Get(idle.ID)
	if !got.Suspended || got.Health == HealthDead {
		t.Errorf("idle process = %+v, want suspended and alive", got)
	}

	handle := f.mustHandle(t, idle.ID)
	testutil.WaitFor(t, "suspend command", func() bool {
		c := f.eng.Controls(handle)
		return len(c) == 1 && c[0].Command == engine.CommandSuspend
	})
	if n := len(f.events.OfType(event.ProcessSuspended)); n != 1 {
		t.Errorf("ProcessSuspended events = %d, want 1", n)
	}

	// Already suspended processes are skipped.
	if n := f.sup.OptimizeResourceAllocation(ctx); n != 0 {
		t.Errorf("second OptimizeResourceAllocation() = %d, want 0", n)
	}

	// Reusing a suspended process resumes it.
	reused, err := f.sup.Acquire(ctx, engine.KindWorker, engine.Config{}, "u2", "https://b.test")
	if err != nil {
		t.Fatal(err)
	}
	if reused.ID != idle.ID || reused.Suspended {
		t.Errorf("Acquire() = %+v, want resumed idle process", reused)
	}
	testutil.WaitFor(t, "resume command", func() bool {
		c := f.eng.Controls(handle)
		return len(c) == 2 && c[1].Command == engine.CommandResume
	})
}

func TestMemoryPressureEdgeTriggered(t *testing.T) {
	f := newFixture(t, Config{MemoryLimitMB: 100}, engine.WithBaseMemory(80))
	ctx := context.Background()

	f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	f.sup.MonitorProcesses(ctx)
	if n := len(f.events.OfType(event.MemoryPressure)); n != 0 {
		t.Fatalf("pressure raised under the limit")
	}

	f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	f.sup.MonitorProcesses(ctx)
	f.sup.MonitorProcesses(ctx)

	pressure := f.events.OfType(event.MemoryPressure)
	if len(pressure) != 1 {
		t.Fatalf("MemoryPressure events = %d, want 1", len(pressure))
	}
	if got := pressure[0].Int(event.KeyMemoryMB); got != 160 {
		t.Errorf("pressure total = %d, want 160", got)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{MonitorInterval: 5 * time.Millisecond, OptimizeInterval: 10 * time.Millisecond})
	ctx := context.Background()

	rec, _ := f.sup.CreateProcess(ctx, engine.KindWorker, engine.Config{})
	f.eng.SetUsage(f.mustHandle(t, rec.ID), engine.Usage{MemoryMB: 900})

	if err := f.sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.sup.Start(ctx); !coreerrors.Is(err, coreerrors.ErrInvalidState) {
		t.Errorf("second Start() error = %v, want invalid state", err)
	}

	testutil.WaitFor(t, "degraded via loop", func() bool {
		got, _ := f.sup.Get(rec.ID)
		return got.Health == HealthDegraded && got.Suspended
	})

	f.sup.Stop()
	f.sup.Stop()
	if f.sup.Running() {
		t.Error("Running() = true after Stop")
	}
}
