package supervisor

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Endpoint is the supervisor's name on every control channel.
const Endpoint = "supervisor"

// ProcessEndpoint returns the channel endpoint name of a process.
func ProcessEndpoint(processID string) string {
	return "process-" + processID
}

// OrphanHandler receives the units detached from a process that died.
type OrphanHandler func(ctx context.Context, processID string, unitIDs []string)

type process struct {
	rec    ProcessRecord
	handle engine.Handle
	units  []string
	sub    *ipc.Subscription
}

func (p *process) snapshot() ProcessRecord {
	rec := p.rec
	rec.OwnedUnits = slices.Clone(p.units)
	return rec
}

func (p *process) live() bool {
	return p.rec.Health != HealthDead
}

// Supervisor owns every process record. All methods are safe for
// concurrent use; no lock is held across engine, channel or bus calls.
type Supervisor struct {
	engine   engine.Engine
	channels *ipc.Registry
	bus      *event.Bus
	logger   *logging.Logger
	cfg      Config

	mu       sync.Mutex
	procs    map[string]*process
	orphans  []OrphanHandler
	pressure bool

	spawned       atomic.Uint64
	spawnFailures atomic.Uint64
	reaped        atomic.Uint64

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Supervisor that spawns through eng and opens control
// channels in channels.
func New(eng engine.Engine, channels *ipc.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		engine:   eng,
		channels: channels,
		logger:   logging.NopLogger(),
		cfg:      DefaultConfig(),
		procs:    make(map[string]*process),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("supervisor")
	return s
}

// Config returns the active thresholds.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// OnOrphans registers a handler invoked when a dying process still hosted
// units.
func (s *Supervisor) OnOrphans(h OrphanHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans = append(s.orphans, h)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// CreateProcess spawns a process, opens its control channel and registers
// it. The whole operation is bounded by the spawn timeout; anything created
// before a failure is rolled back.
func (s *Supervisor) CreateProcess(ctx context.Context, kind engine.Kind, cfg engine.Config) (ProcessRecord, error) {
	p, err := s.spawn(ctx, kind, cfg, "")
	if err != nil {
		return ProcessRecord{}, err
	}
	return s.Get(p.rec.ID)
}

// spawn creates and registers a process. A non-empty unitID is recorded as
// owned before the process becomes visible, so no concurrent release can
// tear it down first.
func (s *Supervisor) spawn(ctx context.Context, kind engine.Kind, cfg engine.Config, unitID string) (*process, error) {
	if !kind.Valid() {
		return nil, errors.NewValidationError("unknown process kind").WithField("kind").WithValue(kind)
	}

	id := uuid.NewString()
	endpoint := ProcessEndpoint(id)
	spawnCtx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	defer cancel()

	h, err := s.engine.Spawn(spawnCtx, kind, cfg, s.exitHandler(id))
	if err != nil {
		s.spawnFailures.Add(1)
		return nil, s.spawnError(ctx, spawnCtx, kind, err)
	}

	create := s.channels.CreateChannel
	if kind == engine.KindAutomation {
		create = s.channels.CreateSecureChannel
	}
	ch, err := create(ctx, endpoint, ipc.KindControl, []string{Endpoint, endpoint})
	if err != nil {
		s.spawnFailures.Add(1)
		s.rollback(ctx, h, "")
		return nil, errors.Wrapf(err, "opening control channel for %s", id)
	}

	now := time.Now()
	p := &process{
		handle: h,
		rec: ProcessRecord{
			ID:         id,
			Kind:       kind,
			Config:     cfg,
			ChannelID:  ch.ID,
			Health:     HealthHealthy,
			CreatedAt:  now,
			LastActive: now,
		},
	}
	sub, err := s.channels.Subscribe(ch.ID, s.bridge(h, endpoint))
	if err != nil {
		s.spawnFailures.Add(1)
		s.rollback(ctx, h, ch.ID)
		return nil, errors.Wrapf(err, "attaching control bridge for %s", id)
	}
	p.sub = sub
	if unitID != "" {
		p.units = []string{unitID}
	}

	if err := spawnCtx.Err(); err != nil {
		s.spawnFailures.Add(1)
		sub.Cancel()
		s.rollback(ctx, h, ch.ID)
		return nil, s.spawnError(ctx, spawnCtx, kind, err)
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()
	s.spawned.Add(1)

	s.logger.Info("process created", "process_id", id, "kind", string(kind))
	s.publish(ctx, event.NewProcessCreatedEvent(Endpoint, id, string(kind)))
	return p, nil
}

func (s *Supervisor) spawnError(ctx, spawnCtx context.Context, kind engine.Kind, err error) error {
	if spawnCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return errors.NewTimeoutError(fmt.Sprintf("spawning %s process", kind), s.cfg.SpawnTimeout).WithCause(err)
	}
	return errors.Wrapf(err, "spawning %s process", kind)
}

func (s *Supervisor) rollback(ctx context.Context, h engine.Handle, channelID string) {
	ctx = context.WithoutCancel(ctx)
	if channelID != "" {
		_ = s.channels.DestroyChannel(ctx, channelID)
	}
	if err := s.engine.Terminate(ctx, h); err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.logger.Warn("rollback terminate failed", "handle", h.ID, "error", err)
	}
}

// DestroyProcess tears a process down. It fails with ErrProcessBusy while
// the process still owns units.
func (s *Supervisor) DestroyProcess(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("process", id)
	}
	if len(p.units) > 0 {
		n, health := len(p.units), p.rec.Health
		s.mu.Unlock()
		return errors.NewInvalidStateError("process", id, fmt.Sprintf("process still owns %d units", n)).
			WithState(string(health)).WithCause(errors.ErrProcessBusy)
	}
	delete(s.procs, id)
	s.mu.Unlock()

	s.teardown(ctx, p, "destroyed")
	return nil
}

func (s *Supervisor) teardown(ctx context.Context, p *process, reason string) {
	s.mu.Lock()
	live := p.live()
	s.mu.Unlock()

	if p.sub != nil {
		p.sub.Cancel()
	}
	s.channels.CloseEndpoint(ctx, ProcessEndpoint(p.rec.ID))
	if live {
		if err := s.engine.Terminate(ctx, p.handle); err != nil && !errors.Is(err, errors.ErrNotFound) {
			s.logger.Warn("terminate failed", "process_id", p.rec.ID, "error", err)
		}
	}
	s.logger.Info("process destroyed", "process_id", p.rec.ID, "reason", reason)
	s.publish(ctx, event.NewProcessDestroyedEvent(Endpoint, p.rec.ID, reason))
}

// Shutdown stops the loops and destroys every process, detaching any units
// still assigned. It returns the number of processes destroyed.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	s.Stop()

	type hosted struct {
		p     *process
		units []string
	}
	s.mu.Lock()
	all := make([]hosted, 0, len(s.procs))
	for _, p := range s.procs {
		all = append(all, hosted{p: p, units: p.units})
		p.units = nil
	}
	s.procs = make(map[string]*process)
	s.mu.Unlock()

	for _, h := range all {
		for _, u := range h.units {
			_ = s.engine.DetachUnit(ctx, h.p.handle, u)
		}
		s.teardown(ctx, h.p, "shutdown")
	}
	return len(all)
}

// -----------------------------------------------------------------------------
// Unit assignment
// -----------------------------------------------------------------------------

// Acquire assigns unitID to a live process of the given kind that is under
// the per-process unit bound, spawning a new process when none qualifies.
func (s *Supervisor) Acquire(ctx context.Context, kind engine.Kind, cfg engine.Config, unitID, url string) (ProcessRecord, error) {
	if unitID == "" {
		return ProcessRecord{}, errors.NewValidationError("unit id cannot be empty").WithField("unit_id")
	}

	if p, resumed := s.reserve(kind, unitID); p != nil {
		if err := s.attach(ctx, p, unitID, url, resumed); err != nil {
			return ProcessRecord{}, err
		}
		return s.Get(p.rec.ID)
	}

	p, err := s.spawn(ctx, kind, cfg, unitID)
	if err != nil {
		return ProcessRecord{}, err
	}
	if err := s.attach(ctx, p, unitID, url, false); err != nil {
		_ = s.DestroyProcess(context.WithoutCancel(ctx), p.rec.ID)
		return ProcessRecord{}, err
	}
	return s.Get(p.rec.ID)
}

// reserve picks the oldest reusable process and records unitID on it.
func (s *Supervisor) reserve(kind engine.Kind, unitID string) (*process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *process
	for _, p := range s.procs {
		if p.rec.Kind != kind || len(p.units) >= s.cfg.MaxUnitsPerProcess {
			continue
		}
		if p.rec.Health != HealthHealthy && p.rec.Health != HealthDegraded {
			continue
		}
		if best == nil || p.rec.CreatedAt.Before(best.rec.CreatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	resumed := best.rec.Suspended
	best.units = append(best.units, unitID)
	best.rec.Suspended = false
	best.rec.LastActive = time.Now()
	return best, resumed
}

// AssignUnit records that processID hosts unitID and loads the unit into
// the engine.
func (s *Supervisor) AssignUnit(ctx context.Context, processID, unitID, url string) error {
	s.mu.Lock()
	p, ok := s.procs[processID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("process", processID)
	}
	if !p.live() {
		s.mu.Unlock()
		return errors.NewInvalidStateError("process", processID, "cannot assign units to a dead process").
			WithState(string(HealthDead)).WithCause(errors.ErrProcessDead)
	}
	if slices.Contains(p.units, unitID) {
		s.mu.Unlock()
		return nil
	}
	resumed := p.rec.Suspended
	p.units = append(p.units, unitID)
	p.rec.Suspended = false
	p.rec.LastActive = time.Now()
	s.mu.Unlock()

	return s.attach(ctx, p, unitID, url, resumed)
}

func (s *Supervisor) attach(ctx context.Context, p *process, unitID, url string, resume bool) error {
	if resume {
		if err := s.sendControl(ctx, p, engine.CommandResume, nil); err != nil {
			s.logger.Warn("resume failed", "process_id", p.rec.ID, "error", err)
		}
	}
	if err := s.engine.AttachUnit(ctx, p.handle, unitID, url); err != nil {
		s.mu.Lock()
		p.units = slices.DeleteFunc(p.units, func(u string) bool { return u == unitID })
		s.mu.Unlock()
		return errors.Wrapf(err, "attaching unit %s to process %s", unitID, p.rec.ID)
	}
	return nil
}

// ReleaseUnit detaches unitID from processID. When destroyEmpty is set and
// the process is left without units it is destroyed. Releasing from a dead
// process is a no-op because death already detached its units.
func (s *Supervisor) ReleaseUnit(ctx context.Context, processID, unitID string, destroyEmpty bool) error {
	s.mu.Lock()
	p, ok := s.procs[processID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("process", processID)
	}
	if !p.live() {
		s.mu.Unlock()
		return nil
	}
	idx := slices.Index(p.units, unitID)
	if idx < 0 {
		s.mu.Unlock()
		return errors.NewNotFoundError("unit", unitID)
	}
	p.units = slices.Delete(p.units, idx, idx+1)
	empty := len(p.units) == 0
	p.rec.LastActive = time.Now()
	s.mu.Unlock()

	if err := s.engine.DetachUnit(ctx, p.handle, unitID); err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.logger.Warn("detach failed", "process_id", processID, "unit_id", unitID, "error", err)
	}
	if destroyEmpty && empty {
		err := s.DestroyProcess(ctx, processID)
		if err != nil && !errors.Is(err, errors.ErrProcessBusy) && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Control channel
// -----------------------------------------------------------------------------

// AllocateResources sends an allocation over the process's control channel
// and waits for the engine to acknowledge it. Enforcement is the engine's.
func (s *Supervisor) AllocateResources(ctx context.Context, a Allocation) error {
	s.mu.Lock()
	p, ok := s.procs[a.ProcessID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("process", a.ProcessID)
	}
	if !p.live() {
		s.mu.Unlock()
		return errors.NewInvalidStateError("process", a.ProcessID, "cannot allocate resources to a dead process").
			WithState(string(HealthDead)).WithCause(errors.ErrProcessDead)
	}
	channelID := p.rec.ChannelID
	s.mu.Unlock()

	reply, err := s.channels.Request(ctx, ipc.Message{
		ChannelID: channelID,
		From:      Endpoint,
		To:        ProcessEndpoint(a.ProcessID),
		Type:      string(engine.CommandAllocate),
		Payload: map[string]any{
			event.KeyLimitMB:  a.MemoryLimitMB,
			event.KeyCPUQuota: a.CPUQuota,
		},
	}, 0)
	if err != nil {
		return errors.Wrapf(err, "allocating resources for %s", a.ProcessID)
	}
	if ok, _ := reply.Payload["ok"].(bool); !ok {
		msg, _ := reply.Payload["error"].(string)
		return fmt.Errorf("allocating resources for %s: engine rejected allocation: %s", a.ProcessID, msg)
	}

	s.mu.Lock()
	p.rec.Config.MemoryLimitMB = a.MemoryLimitMB
	p.rec.Config.CPUQuota = a.CPUQuota
	s.mu.Unlock()

	s.publish(ctx, event.NewResourceAllocatedEvent(Endpoint, a.ProcessID, a.MemoryLimitMB, a.CPUQuota))
	return nil
}

// bridge forwards commands addressed to a process endpoint to the engine
// and answers requests with the outcome.
func (s *Supervisor) bridge(h engine.Handle, endpoint string) ipc.Handler {
	return func(ctx context.Context, msg ipc.Message) {
		if msg.To != endpoint || msg.IsReply() {
			return
		}
		err := s.engine.Control(ctx, h, engine.Command(msg.Type), msg.Payload)
		if msg.RequiresResponse {
			payload := map[string]any{"ok": err == nil}
			if err != nil {
				payload["error"] = err.Error()
			}
			if rerr := s.channels.Reply(ctx, msg, payload); rerr != nil {
				s.logger.Warn("control reply failed", "endpoint", endpoint, "error", rerr)
			}
			return
		}
		if err != nil {
			s.logger.Warn("control command failed", "endpoint", endpoint, "command", msg.Type, "error", err)
		}
	}
}

func (s *Supervisor) sendControl(ctx context.Context, p *process, cmd engine.Command, params map[string]any) error {
	return s.channels.Send(ctx, ipc.Message{
		ChannelID: p.rec.ChannelID,
		From:      Endpoint,
		To:        ProcessEndpoint(p.rec.ID),
		Type:      string(cmd),
		Payload:   params,
	})
}

// Navigate points a hosted unit at url.
func (s *Supervisor) Navigate(ctx context.Context, processID, unitID, url string) error {
	h, err := s.hostHandle(processID, unitID)
	if err != nil {
		return err
	}
	return s.engine.Navigate(ctx, h, unitID, url)
}

// ExtractContent asks the engine for a hosted unit's content.
func (s *Supervisor) ExtractContent(ctx context.Context, processID, unitID string, opts engine.ExtractOptions) (engine.Content, error) {
	h, err := s.hostHandle(processID, unitID)
	if err != nil {
		return engine.Content{}, err
	}
	return s.engine.ExtractContent(ctx, h, unitID, opts)
}

func (s *Supervisor) hostHandle(processID, unitID string) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[processID]
	if !ok {
		return engine.Handle{}, errors.NewNotFoundError("process", processID)
	}
	if !p.live() {
		return engine.Handle{}, errors.NewInvalidStateError("process", processID, "process is dead").
			WithState(string(HealthDead)).WithCause(errors.ErrProcessDead)
	}
	if !slices.Contains(p.units, unitID) {
		return engine.Handle{}, errors.NewNotFoundError("unit", unitID)
	}
	p.rec.LastActive = time.Now()
	return p.handle, nil
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Get returns a snapshot of a process.
func (s *Supervisor) Get(id string) (ProcessRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return ProcessRecord{}, errors.NewNotFoundError("process", id)
	}
	return p.snapshot(), nil
}

// List returns every tracked process, oldest first.
func (s *Supervisor) List() []ProcessRecord {
	s.mu.Lock()
	out := make([]ProcessRecord, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.snapshot())
	}
	s.mu.Unlock()
	sortRecords(out)
	return out
}

// OwnerOf returns the live process hosting unitID.
func (s *Supervisor) OwnerOf(unitID string) (ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.live() && slices.Contains(p.units, unitID) {
			return p.snapshot(), true
		}
	}
	return ProcessRecord{}, false
}

// Stats summarizes tracked processes.
func (s *Supervisor) Stats() Stats {
	st := Stats{
		ByHealth:      make(map[Health]int),
		ByKind:        make(map[engine.Kind]int),
		Spawned:       s.spawned.Load(),
		SpawnFailures: s.spawnFailures.Load(),
		Reaped:        s.reaped.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		st.Processes++
		st.ByHealth[p.rec.Health]++
		st.ByKind[p.rec.Kind]++
		if p.rec.Suspended {
			st.Suspended++
		}
		if p.live() {
			st.TotalMemoryMB += p.rec.MemoryMB
		}
	}
	return st
}

func (s *Supervisor) publish(ctx context.Context, e event.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.logger.Debug("event not published", "event_type", string(e.Type), "error", err)
	}
}

func sortRecords(recs []ProcessRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
