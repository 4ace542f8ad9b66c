package host

import (
	"context"
	"runtime"
	"time"

	"github.com/Iron-Ham/switchyard/internal/coordination"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/projection"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
	"github.com/Iron-Ham/switchyard/internal/unit"
)

// Memory reports memory as seen by the supervisor, the unit manager and
// the Go runtime.
type Memory struct {
	ProcessesMB int64
	UnitsMB     int64
	LimitMB     int64
	HeapMB      int64
}

// Performance reports throughput counters and the host's own load.
type Performance struct {
	Uptime          time.Duration
	Goroutines      int
	EventsPublished uint64
	EventsShed      uint64
	QueueDepth      int
	MessagesSent    uint64
	HandlerFailures uint64
}

// Stats is a point-in-time snapshot of the whole host.
type Stats struct {
	Units       unit.Stats
	Processes   supervisor.Stats
	Memory      Memory
	Performance Performance
	Channels    ipc.Stats
	Bus         event.Stats
	Coordinator coordination.Stats
	Projected   projection.UnitCounts
}

// Stats returns a snapshot of every component. It fails with InvalidState
// unless the host is running.
func (h *Host) Stats() (Stats, error) {
	if err := h.requireRunning(); err != nil {
		return Stats{}, err
	}
	h.mu.Lock()
	startedAt, limit := h.startedAt, int64(h.cfg.Suspension.MemoryLimitMB)
	h.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	st := Stats{
		Units:       h.units.Stats(),
		Processes:   h.procs.Stats(),
		Channels:    h.channels.Stats(),
		Bus:         h.bus.Stats(),
		Coordinator: h.coord.Stats(),
		Projected:   h.views.Units.Counts(),
	}
	st.Memory = Memory{
		ProcessesMB: st.Processes.TotalMemoryMB,
		UnitsMB:     st.Units.MemoryMB,
		LimitMB:     limit,
		HeapMB:      int64(ms.HeapAlloc >> 20),
	}
	st.Performance = Performance{
		Uptime:          time.Since(startedAt),
		Goroutines:      runtime.NumGoroutine(),
		EventsPublished: st.Bus.Published,
		EventsShed:      st.Bus.Shed,
		QueueDepth:      st.Bus.QueueDepth,
		MessagesSent:    st.Channels.Sent,
		HandlerFailures: st.Bus.HandlerFailures + st.Channels.HandlerFailures,
	}
	return st, nil
}

// OptimizeReport summarizes one Optimize pass.
type OptimizeReport struct {
	UnitsSuspended     int
	ProcessesSuspended int
	Cleanup            coordination.CleanupReport
}

// Optimize suspends every eligible unit, suspends idle processes and runs
// a coordinator cleanup sweep.
func (h *Host) Optimize(ctx context.Context) (OptimizeReport, error) {
	if err := h.requireRunning(); err != nil {
		return OptimizeReport{}, err
	}
	var r OptimizeReport
	n, err := h.units.OptimizeMemory(ctx)
	r.UnitsSuspended = n
	r.ProcessesSuspended = h.procs.OptimizeResourceAllocation(ctx)
	r.Cleanup = h.coord.Cleanup(ctx)
	h.logger.WithComponent("host").Info("optimized",
		"units_suspended", r.UnitsSuspended,
		"processes_suspended", r.ProcessesSuspended,
		"connections_closed", r.Cleanup.Disconnected)
	return r, err
}
