package unit

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
)

// cpuSmoothing is the weight of a fresh CPU sample in the per-unit
// moving average.
const cpuSmoothing = 0.3

// Start launches the periodic policy check and the memory-pressure
// listener. It returns an error if the loop is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return errors.NewInvalidStateError("units", "", "already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.loop(ctx, m.stopped)
	return nil
}

// Stop halts the loop and waits for it to exit. It is safe to call Stop
// even if Start was never called.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Close stops the loop and drops the bus subscription.
func (m *Manager) Close() {
	m.Stop()
	if m.pressureSub != nil {
		m.pressureSub.Cancel()
	}
}

func (m *Manager) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	var tick <-chan time.Time
	if m.cfg.CheckInterval > 0 {
		t := time.NewTicker(m.cfg.CheckInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if _, err := m.CheckSuspensionCriteria(ctx); err != nil {
				m.logger.Warn("suspension check failed", "error", err)
			}
		case <-m.pressure:
			ids, err := m.apply(ctx, ModePressure)
			if err != nil {
				m.logger.Warn("pressure suspension failed", "error", err)
			}
			m.logger.Info("memory pressure handled", "suspended", len(ids))
		}
	}
}

// onPressure runs on the publisher's goroutine, so it only signals the
// loop.
func (m *Manager) onPressure(_ context.Context, e event.Event) {
	m.logger.Debug("memory pressure received", "total_mb", e.Int(event.KeyMemoryMB), "limit_mb", e.Int(event.KeyLimitMB))
	select {
	case m.pressure <- struct{}{}:
	default:
	}
}

// CheckSuspensionCriteria runs one routine policy evaluation and suspends
// the selected units. It escalates to pressure mode when resident memory
// exceeds the policy limit.
func (m *Manager) CheckSuspensionCriteria(ctx context.Context) ([]string, error) {
	return m.apply(ctx, ModeRoutine)
}

// OptimizeMemory suspends every eligible unit and returns once they are
// all suspended. The active unit of each space, pinned units, units in an
// active collaboration session and the warm minimum are kept.
func (m *Manager) OptimizeMemory(ctx context.Context) (int, error) {
	ids, err := m.apply(ctx, ModeForce)
	return len(ids), err
}

// SuspendAll suspends every resident unit regardless of exclusions. It is
// used at shutdown, so a unit in the middle of another transition is
// retried until that transition ends or ctx is done.
func (m *Manager) SuspendAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	var ids []string
	for _, r := range m.orderedLocked() {
		if !r.u.Suspended {
			ids = append(ids, r.u.ID)
		}
	}
	m.mu.Unlock()

	done, err := m.suspendMany(ctx, ids, func(string) string { return "shutdown" }, true)
	return len(done), err
}

func (m *Manager) apply(ctx context.Context, mode Mode) ([]string, error) {
	m.refreshUsage()
	in := m.candidates(mode)
	policy := m.policy.Load()
	d := policy.Evaluate(in, time.Now())
	if len(d.Suspend) == 0 {
		return nil, nil
	}

	reasons := make(map[string]string, len(d.Suspend))
	ids := make([]string, 0, len(d.Suspend))
	for _, c := range d.Suspend {
		reasons[c.UnitID] = c.Reason
		ids = append(ids, c.UnitID)
	}
	m.logger.Info("suspension policy selected units", "mode", d.Mode.String(), "count", len(ids), "strategy", string(policy.Strategy()))
	return m.suspendMany(ctx, ids, func(id string) string { return reasons[id] }, false)
}

// busyRetryInterval spaces out attempts to suspend a claimed unit.
const busyRetryInterval = 10 * time.Millisecond

// suspendMany suspends ids in parallel. Units that changed state in the
// meantime are skipped rather than reported as failures. With retry set,
// retryable failures such as a busy unit are attempted again.
func (m *Manager) suspendMany(ctx context.Context, ids []string, reason func(string) string, retry bool) ([]string, error) {
	var (
		mu   sync.Mutex
		done []string
	)
	p := pool.New().WithMaxGoroutines(max(m.cfg.Workers, 1)).WithContext(ctx)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			err := m.suspend(ctx, id, reason(id), "")
			for retry && errors.IsRetryable(err) {
				select {
				case <-ctx.Done():
					return errors.Wrapf(ctx.Err(), "suspending unit %s", id)
				case <-time.After(busyRetryInterval):
				}
				err = m.suspend(ctx, id, reason(id), "")
			}
			switch {
			case err == nil:
				mu.Lock()
				done = append(done, id)
				mu.Unlock()
				return nil
			case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrInvalidState):
				return nil
			default:
				return err
			}
		})
	}
	err := p.Wait()
	return done, err
}

type usageProbe struct {
	unitID    string
	processID string
}

// refreshUsage spreads each process's footprint evenly over its units and
// folds CPU into a moving average.
func (m *Manager) refreshUsage() {
	m.mu.Lock()
	probes := make([]usageProbe, 0, len(m.units))
	for _, r := range m.units {
		if !r.pending && !r.u.Suspended && r.u.ProcessID != "" {
			probes = append(probes, usageProbe{unitID: r.u.ID, processID: r.u.ProcessID})
		}
	}
	m.mu.Unlock()

	type share struct {
		memoryMB int64
		cpu      float64
	}
	shares := make(map[string]share)
	for _, p := range probes {
		if _, ok := shares[p.processID]; ok {
			continue
		}
		rec, err := m.procs.Get(p.processID)
		if err != nil {
			continue
		}
		n := max(len(rec.OwnedUnits), 1)
		shares[p.processID] = share{memoryMB: rec.MemoryMB / int64(n), cpu: rec.CPUPercent / float64(n)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range probes {
		s, ok := shares[p.processID]
		r, live := m.units[p.unitID]
		if !ok || !live || r.u.ProcessID != p.processID {
			continue
		}
		r.u.MemoryMB = s.memoryMB
		r.u.CPUPercent = cpuSmoothing*s.cpu + (1-cpuSmoothing)*r.u.CPUPercent
	}
}

// candidates lists resident units that the policy may suspend. The
// collaboration check runs without the manager lock held.
func (m *Manager) candidates(mode Mode) Input {
	now := time.Now()
	m.mu.Lock()
	active := make(map[string]bool, len(m.spaces))
	for _, sp := range m.spaces {
		if sp.ActiveUnitID != "" {
			active[sp.ActiveUnitID] = true
		}
	}
	in := Input{Mode: mode}
	var recs []Candidate
	for _, r := range m.orderedLocked() {
		if r.u.Suspended {
			continue
		}
		in.Resident++
		in.TotalMemoryMB += r.u.MemoryMB
		if r.busy || r.u.Pinned || active[r.u.ID] {
			continue
		}
		recs = append(recs, Candidate{
			UnitID:     r.u.ID,
			Idle:       now.Sub(r.u.LastActive),
			MemoryMB:   r.u.MemoryMB,
			CPUPercent: r.u.CPUPercent,
		})
	}
	m.mu.Unlock()

	for _, c := range recs {
		if m.collab != nil && m.collab.InActiveSession(c.UnitID) {
			continue
		}
		in.Candidates = append(in.Candidates, c)
	}
	return in
}
