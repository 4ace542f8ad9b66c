package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// Start launches the monitor and optimize loops. It returns an error if
// the loops are already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return errors.NewInvalidStateError("supervisor", "", "already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stopped)
	return nil
}

// Stop halts the loops and waits for them to exit. It is safe to call
// Stop even if Start was never called.
func (s *Supervisor) Stop() {
	s.lifeMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Running reports whether the loops are active.
func (s *Supervisor) Running() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.cancel != nil
}

func (s *Supervisor) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	monitor := time.NewTicker(s.cfg.MonitorInterval)
	defer monitor.Stop()
	optimize := time.NewTicker(s.cfg.OptimizeInterval)
	defer optimize.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			s.MonitorProcesses(ctx)
		case <-optimize.C:
			s.OptimizeResourceAllocation(ctx)
		}
	}
}

type probeTarget struct {
	id     string
	handle engine.Handle
	health Health
}

// MonitorProcesses refreshes usage for every live process, applies health
// transitions, reaps expired dead records and raises memory pressure.
func (s *Supervisor) MonitorProcesses(ctx context.Context) {
	s.mu.Lock()
	targets := make([]probeTarget, 0, len(s.procs))
	for id, p := range s.procs {
		if p.live() {
			targets = append(targets, probeTarget{id: id, handle: p.handle, health: p.rec.Health})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		usage, err := s.engine.Usage(ctx, t.handle)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				s.markDead(ctx, t.id, "lost by engine")
			} else {
				s.logger.Warn("usage refresh failed", "process_id", t.id, "error", err)
			}
			continue
		}
		probeErr := s.engine.Probe(ctx, t.handle)
		if probeErr != nil && errors.Is(probeErr, errors.ErrNotFound) {
			s.markDead(ctx, t.id, "lost by engine")
			continue
		}

		s.mu.Lock()
		p, ok := s.procs[t.id]
		if !ok || !p.live() {
			s.mu.Unlock()
			continue
		}
		p.rec.MemoryMB = usage.MemoryMB
		p.rec.CPUPercent = usage.CPUPercent
		current := p.rec.Health
		s.mu.Unlock()

		target := s.evaluate(current, usage, probeErr)
		switch {
		case target.rank() > current.rank():
			s.stepTo(ctx, t.id, target, healthReason(usage, probeErr))
		case target.rank() < current.rank():
			s.recover(ctx, t.id, current, target)
		}
	}

	s.reap(ctx)
	s.checkPressure(ctx)
}

// evaluate returns the health a process should have given a fresh sample.
// Usage sets a floor; a failed probe worsens by one step; only Degraded may
// improve, and only on a clean probe.
func (s *Supervisor) evaluate(current Health, u engine.Usage, probeErr error) Health {
	target := HealthHealthy
	if u.MemoryMB > s.cfg.DegradedMemoryMB {
		target = HealthDegraded
	}
	if u.CPUPercent > s.cfg.CriticalCPUPercent {
		target = HealthCritical
	}
	if probeErr != nil {
		if worse := current.next(); worse.rank() > target.rank() {
			target = worse
		}
	}

	if target.rank() >= current.rank() {
		return target
	}
	if current == HealthDegraded && probeErr == nil {
		return HealthHealthy
	}
	return current
}

func healthReason(u engine.Usage, probeErr error) string {
	if probeErr != nil {
		return "probe failed: " + probeErr.Error()
	}
	return fmt.Sprintf("memory=%dMB cpu=%.1f%%", u.MemoryMB, u.CPUPercent)
}

// stepTo worsens health one step at a time up to target, publishing each
// step. Reaching Dead detaches the units and closes the control channel.
func (s *Supervisor) stepTo(ctx context.Context, id string, target Health, reason string) {
	for {
		s.mu.Lock()
		p, ok := s.procs[id]
		if !ok || p.rec.Health.rank() >= target.rank() {
			s.mu.Unlock()
			return
		}
		from := p.rec.Health
		to := from.next()
		p.rec.Health = to

		var (
			orphans  []string
			handlers []OrphanHandler
		)
		if to == HealthDead {
			p.rec.DeadSince = time.Now()
			orphans = p.units
			p.units = nil
			handlers = append(handlers, s.orphans...)
		}
		s.mu.Unlock()

		s.logger.Warn("process health changed", "process_id", id, "from", string(from), "to", string(to), "reason", reason)
		s.publish(ctx, event.NewProcessHealthChangedEvent(Endpoint, id, string(from), string(to), to == HealthDead))

		if to == HealthDead {
			s.bury(ctx, p, orphans, handlers)
			return
		}
	}
}

func (s *Supervisor) bury(ctx context.Context, p *process, orphans []string, handlers []OrphanHandler) {
	if p.sub != nil {
		p.sub.Cancel()
	}
	s.channels.CloseEndpoint(ctx, ProcessEndpoint(p.rec.ID))
	if err := s.engine.Terminate(ctx, p.handle); err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.logger.Warn("terminate dead process failed", "process_id", p.rec.ID, "error", err)
	}
	if len(orphans) == 0 {
		return
	}
	s.logger.Warn("process died with units", "process_id", p.rec.ID, "units", len(orphans))
	for _, h := range handlers {
		h(ctx, p.rec.ID, orphans)
	}
}

func (s *Supervisor) recover(ctx context.Context, id string, from, to Health) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok || p.rec.Health != from {
		s.mu.Unlock()
		return
	}
	p.rec.Health = to
	s.mu.Unlock()

	s.logger.Info("process recovered", "process_id", id, "from", string(from), "to", string(to))
	s.publish(ctx, event.NewProcessHealthChangedEvent(Endpoint, id, string(from), string(to), false))
}

// markDead walks a process to Dead, for example after the engine reported
// that it exited.
func (s *Supervisor) markDead(ctx context.Context, id, reason string) {
	s.stepTo(ctx, id, HealthDead, reason)
}

func (s *Supervisor) exitHandler(id string) engine.ExitFunc {
	return func(_ engine.Handle, err error) {
		reason := "exited"
		if err != nil {
			reason = "exited: " + err.Error()
		}
		s.markDead(context.Background(), id, reason)
	}
}

// reap removes dead records older than the grace window.
func (s *Supervisor) reap(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	var expired []*process
	for id, p := range s.procs {
		if !p.live() && now.Sub(p.rec.DeadSince) >= s.cfg.DeadGrace {
			expired = append(expired, p)
			delete(s.procs, id)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.reaped.Add(1)
		s.teardown(ctx, p, "dead")
	}
}

// checkPressure publishes memory.pressure when the total footprint first
// crosses the configured limit.
func (s *Supervisor) checkPressure(ctx context.Context) {
	if s.cfg.MemoryLimitMB <= 0 {
		return
	}
	s.mu.Lock()
	var total int64
	for _, p := range s.procs {
		if p.live() && !p.rec.Suspended {
			total += p.rec.MemoryMB
		}
	}
	over := total > s.cfg.MemoryLimitMB
	raise := over && !s.pressure
	s.pressure = over
	s.mu.Unlock()

	if raise {
		s.logger.Warn("memory pressure", "total_mb", total, "limit_mb", s.cfg.MemoryLimitMB)
		s.publish(ctx, event.NewMemoryPressureEvent(Endpoint, total, s.cfg.MemoryLimitMB))
	}
}

// OptimizeResourceAllocation suspends idle processes whose footprint
// exceeds the idle threshold by sending them a suspend command. It returns
// how many were suspended.
func (s *Supervisor) OptimizeResourceAllocation(ctx context.Context) int {
	s.mu.Lock()
	var idle []*process
	for _, p := range s.procs {
		if !p.live() || p.rec.Health == HealthCritical || p.rec.Suspended {
			continue
		}
		if len(p.units) == 0 && p.rec.MemoryMB > s.cfg.IdleMemoryMB {
			idle = append(idle, p)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, p := range idle {
		if err := s.sendControl(ctx, p, engine.CommandSuspend, nil); err != nil {
			s.logger.Warn("suspend command failed", "process_id", p.rec.ID, "error", err)
			continue
		}
		s.mu.Lock()
		if len(p.units) > 0 || !p.live() {
			s.mu.Unlock()
			continue
		}
		p.rec.Suspended = true
		mem := p.rec.MemoryMB
		s.mu.Unlock()

		n++
		s.logger.Info("idle process suspended", "process_id", p.rec.ID, "memory_mb", mem)
		s.publish(ctx, event.NewProcessSuspendedEvent(Endpoint, p.rec.ID, mem))
	}
	return n
}
