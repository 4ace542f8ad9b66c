package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
)

// ControlRecord is a command observed by the simulated engine.
type ControlRecord struct {
	Command Command
	Params  map[string]any
	At      time.Time
}

type simProcess struct {
	handle    Handle
	cfg       Config
	onExit    ExitFunc
	units     map[string]string // unit id -> url
	usage     *Usage
	probeErr  error
	controls  []ControlRecord
	suspended bool
}

// SimOption configures a Simulated engine.
type SimOption func(*Simulated)

// WithSpawnLatency delays every Spawn by d.
func WithSpawnLatency(d time.Duration) SimOption {
	return func(s *Simulated) { s.latency = d }
}

// WithBaseMemory sets the memory a process reports with no units.
func WithBaseMemory(mb int64) SimOption {
	return func(s *Simulated) { s.baseMB = mb }
}

// WithUnitMemory sets the memory each attached unit adds.
func WithUnitMemory(mb int64) SimOption {
	return func(s *Simulated) { s.unitMB = mb }
}

// Simulated is an in-memory Engine. Usage is derived from the number of
// attached units unless overridden with SetUsage. It is safe for
// concurrent use.
type Simulated struct {
	latency time.Duration
	baseMB  int64
	unitMB  int64

	mu        sync.Mutex
	procs     map[string]*simProcess
	spawnErrs []error
	spawned   int
}

var _ Engine = (*Simulated)(nil)

// NewSimulated creates a simulated engine.
func NewSimulated(opts ...SimOption) *Simulated {
	s := &Simulated{
		baseMB: 80,
		unitMB: 40,
		procs:  make(map[string]*simProcess),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn creates a simulated process after the configured latency.
func (s *Simulated) Spawn(ctx context.Context, kind Kind, cfg Config, onExit ExitFunc) (Handle, error) {
	if !kind.Valid() {
		return Handle{}, errors.NewValidationError("unknown process kind").WithField("kind").WithValue(kind)
	}
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawnErrs) > 0 {
		err := s.spawnErrs[0]
		s.spawnErrs = s.spawnErrs[1:]
		return Handle{}, err
	}
	h := Handle{ID: "sim-" + uuid.NewString()[:8], Kind: kind}
	s.procs[h.ID] = &simProcess{handle: h, cfg: cfg, onExit: onExit, units: make(map[string]string)}
	s.spawned++
	return h, nil
}

// Terminate removes the process. The exit callback is not invoked for
// requested terminations.
func (s *Simulated) Terminate(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[h.ID]; !ok {
		return errors.NewNotFoundError("engine process", h.ID)
	}
	delete(s.procs, h.ID)
	return nil
}

// Usage returns the injected usage or the derived one.
func (s *Simulated) Usage(_ context.Context, h Handle) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return Usage{}, err
	}
	if p.usage != nil {
		return *p.usage, nil
	}
	mem := s.baseMB + int64(len(p.units))*s.unitMB
	if p.suspended {
		mem = s.baseMB / 2
	}
	return Usage{MemoryMB: mem}, nil
}

// Probe returns the injected probe error, if any.
func (s *Simulated) Probe(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return err
	}
	return p.probeErr
}

// Control records cmd. Suspend and resume toggle the reported footprint.
func (s *Simulated) Control(_ context.Context, h Handle, cmd Command, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return err
	}
	switch cmd {
	case CommandSuspend:
		p.suspended = true
	case CommandResume:
		p.suspended = false
	case CommandAllocate, CommandRelease:
	default:
		return errors.NewValidationError("unknown command").WithField("command").WithValue(cmd)
	}
	p.controls = append(p.controls, ControlRecord{Command: cmd, Params: maps.Clone(params), At: time.Now()})
	return nil
}

// AttachUnit loads a unit into the process.
func (s *Simulated) AttachUnit(_ context.Context, h Handle, unitID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return err
	}
	p.units[unitID] = url
	p.suspended = false
	return nil
}

// DetachUnit unloads a unit from the process.
func (s *Simulated) DetachUnit(_ context.Context, h Handle, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return err
	}
	if _, ok := p.units[unitID]; !ok {
		return errors.NewNotFoundError("unit", unitID)
	}
	delete(p.units, unitID)
	return nil
}

// Navigate points an attached unit at url.
func (s *Simulated) Navigate(_ context.Context, h Handle, unitID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return err
	}
	if _, ok := p.units[unitID]; !ok {
		return errors.NewNotFoundError("unit", unitID)
	}
	p.units[unitID] = url
	return nil
}

// ExtractContent returns synthetic content derived from the unit's url.
func (s *Simulated) ExtractContent(_ context.Context, h Handle, unitID string, opts ExtractOptions) (Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.get(h)
	if err != nil {
		return Content{}, err
	}
	url, ok := p.units[unitID]
	if !ok {
		return Content{}, errors.NewNotFoundError("unit", unitID)
	}

	text := "Content of " + url
	if opts.MaxChars > 0 && len(text) > opts.MaxChars {
		text = text[:opts.MaxChars]
	}
	c := Content{
		Text:        text,
		Metadata:    map[string]string{"url": url, "process": h.ID},
		ExtractedAt: time.Now(),
	}
	if opts.IncludeHTML {
		c.HTML = fmt.Sprintf("<html><body><p>%s</p></body></html>", text)
	}
	return c, nil
}

func (s *Simulated) get(h Handle) (*simProcess, error) {
	p, ok := s.procs[h.ID]
	if !ok {
		return nil, errors.NewNotFoundError("engine process", h.ID)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Injection and inspection
// -----------------------------------------------------------------------------

// FailNextSpawn makes the next Spawn return err. Calls queue up.
func (s *Simulated) FailNextSpawn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnErrs = append(s.spawnErrs, err)
}

// SetUsage overrides the usage reported for a handle.
func (s *Simulated) SetUsage(id string, u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		p.usage = &u
	}
}

// ClearUsage restores derived usage for a handle.
func (s *Simulated) ClearUsage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		p.usage = nil
	}
}

// SetProbeError makes Probe return err for a handle. Nil clears it.
func (s *Simulated) SetProbeError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[id]; ok {
		p.probeErr = err
	}
}

// Crash removes a process as if it exited on its own and invokes its exit
// callback outside the engine lock.
func (s *Simulated) Crash(id string, cause error) bool {
	s.mu.Lock()
	p, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if p.onExit != nil {
		p.onExit(p.handle, cause)
	}
	return true
}

// Live returns the number of running processes.
func (s *Simulated) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Spawned returns how many processes were ever spawned.
func (s *Simulated) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

// Units returns the unit ids attached to a handle, sorted.
func (s *Simulated) Units(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(p.units))
}

// Controls returns the commands delivered to a handle.
func (s *Simulated) Controls(id string) []ControlRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil
	}
	return slices.Clone(p.controls)
}

// HostOf returns the handle id that has unitID attached.
func (s *Simulated) HostOf(unitID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.procs {
		if _, ok := p.units[unitID]; ok {
			return id, true
		}
	}
	return "", false
}
