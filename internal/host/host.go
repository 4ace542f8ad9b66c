package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/coordination"
	"github.com/Iron-Ham/switchyard/internal/engine"
	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/logging"
	"github.com/Iron-Ham/switchyard/internal/projection"
	"github.com/Iron-Ham/switchyard/internal/storage"
	"github.com/Iron-Ham/switchyard/internal/supervisor"
	"github.com/Iron-Ham/switchyard/internal/unit"
)

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// sessions defers the collaboration check to the coordinator, which can
// only be built once the unit manager exists.
type sessions struct {
	c atomic.Pointer[coordination.Coordinator]
}

func (s *sessions) InActiveSession(unitID string) bool {
	c := s.c.Load()
	return c != nil && c.InActiveSession(unitID)
}

// Host owns every component of the core.
type Host struct {
	cfg        *config.Config
	logger     *logging.Logger
	ownsLogger bool

	store    storage.Store
	bus      *event.Bus
	views    *projection.Set
	channels *ipc.Registry
	engine   engine.Engine
	procs    *supervisor.Supervisor
	units    *unit.Manager
	coord    *coordination.Coordinator
	collab   sessions

	mu        sync.Mutex
	state     state
	startedAt time.Time
}

// New creates a host for cfg. A nil cfg uses config.Default. Nothing is
// built until Initialize.
func New(cfg *config.Config, opts ...Option) *Host {
	if cfg == nil {
		cfg = config.Default()
	}
	h := &Host{cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Initialize builds every component and starts the background loops. It
// fails with InvalidState when called more than once. On error every
// component built so far is released.
func (h *Host) Initialize(ctx context.Context) (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return errors.NewInvalidStateError("host", "", "already initialized")
	}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	if h.logger == nil {
		if err := h.openLogger(); err != nil {
			return err
		}
		undo = append(undo, func() { _ = h.logger.Close() })
	}
	log := h.logger.WithComponent("host")

	if h.store == nil {
		st, err := storage.Open(ctx, h.cfg.Storage.Driver, h.cfg.Storage.ResolvePath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		h.store = st
	}
	undo = append(undo, func() { _ = h.store.Close() })

	history := 0
	if h.cfg.Bus.LogEnabled {
		history = h.cfg.Bus.LogSize
	}
	busOpts := []event.Option{
		event.WithLogger(h.logger.WithComponent("bus")),
		event.WithQueueSize(h.cfg.Bus.QueueSize),
		event.WithBatchSize(h.cfg.Bus.BatchSize),
		event.WithTickInterval(h.cfg.Bus.TickInterval()),
		event.WithHistory(history),
	}
	if h.cfg.Storage.JournalEvents {
		busOpts = append(busOpts, event.WithJournal(h.store))
	}
	h.bus = event.NewBus(busOpts...)
	undo = append(undo, func() { _ = h.bus.Close() })

	h.views = projection.NewSet()
	if err := h.views.Register(h.bus); err != nil {
		return err
	}

	h.channels = ipc.NewRegistry(
		ipc.WithBus(h.bus),
		ipc.WithLogger(h.logger),
		ipc.WithBuffer(h.cfg.IPC.ChannelBuffer),
		ipc.WithRequestTimeout(h.cfg.IPC.RequestTimeout()),
	)
	undo = append(undo, func() { h.channels.Close(context.Background()) })

	if h.engine == nil {
		h.engine = engine.NewSimulated(
			engine.WithSpawnLatency(h.cfg.Engine.SpawnLatency()),
			engine.WithBaseMemory(int64(h.cfg.Engine.BaseMemoryMB)),
			engine.WithUnitMemory(int64(h.cfg.Engine.UnitMemoryMB)),
		)
	}

	h.procs = supervisor.New(h.engine, h.channels,
		supervisor.WithBus(h.bus),
		supervisor.WithLogger(h.logger),
		supervisor.WithConfig(supervisor.FromConfig(h.cfg.Supervisor)),
	)
	undo = append(undo, func() { h.procs.Shutdown(context.Background()) })

	policy, err := unit.PolicyFromConfig(h.cfg.Suspension)
	if err != nil {
		return err
	}
	h.units = unit.New(h.procs, h.store,
		unit.WithBus(h.bus),
		unit.WithLogger(h.logger),
		unit.WithConfig(unit.FromConfig(h.cfg.Units, h.cfg.Suspension, h.cfg.Supervisor)),
		unit.WithPolicy(policy),
		unit.WithCollaboration(&h.collab),
	)
	undo = append(undo, h.units.Close)

	h.coord = coordination.New(h.channels, h.units,
		coordination.WithBus(h.bus),
		coordination.WithLogger(h.logger),
		coordination.WithConfig(coordination.FromConfig(h.cfg.Coordinator)),
	)
	h.collab.c.Store(h.coord)
	undo = append(undo, h.coord.Close)

	starts := []struct {
		name  string
		start func(context.Context) error
		stop  func()
	}{
		{"bus", h.bus.Start, func() {}},
		{"supervisor", h.procs.Start, h.procs.Stop},
		{"units", h.units.Start, h.units.Stop},
		{"coordinator", h.coord.Start, h.coord.Stop},
	}
	for _, s := range starts {
		if err := s.start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		undo = append(undo, s.stop)
	}

	h.state = stateRunning
	h.startedAt = time.Now()
	log.Info("host initialized",
		"storage", h.cfg.Storage.Driver,
		"strategy", string(policy.Strategy()),
		"max_units", h.units.Config().MaxUnits)
	return nil
}

func (h *Host) openLogger() error {
	if !h.cfg.Logging.Enabled {
		h.logger = logging.NopLogger()
		return nil
	}
	l, err := logging.NewLoggerWithRotation(h.cfg.Logging.ResolveDir(), h.cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  h.cfg.Logging.MaxSizeMB,
		MaxBackups: h.cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("open logger: %w", err)
	}
	h.logger = l
	h.ownsLogger = true
	return nil
}

// Shutdown suspends every unit, destroys every process and closes every
// channel, then stops the loops and closes the store. Calling it again, or
// on a host that was never initialized, returns nil.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateRunning {
		return nil
	}
	h.state = stateStopped
	log := h.logger.WithComponent("host")

	// Stop the periodic loops first so nothing suspends or reaps behind
	// the final sweep.
	stops := pool.New()
	stops.Go(h.units.Stop)
	stops.Go(h.procs.Stop)
	stops.Go(h.coord.Stop)
	stops.Wait()

	var errs []error
	suspended, err := h.units.SuspendAll(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("suspend units: %w", err))
	}
	destroyed := h.procs.Shutdown(ctx)
	h.channels.Close(ctx)

	h.coord.Close()
	h.units.Close()
	if err := h.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	log.Info("host shut down",
		"units_suspended", suspended,
		"processes_destroyed", destroyed,
		"uptime", time.Since(h.startedAt).String())
	if h.ownsLogger {
		_ = h.logger.Close()
	}
	return errors.Join(errs...)
}

// Running reports whether the host is initialized and not shut down.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateRunning
}

func (h *Host) requireRunning() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateRunning {
		return errors.NewInvalidStateError("host", "", "not running")
	}
	return nil
}

// ApplyConfig installs the suspension policy from cfg without restarting.
// Other sections take effect on the next Initialize.
func (h *Host) ApplyConfig(cfg *config.Config) error {
	if err := h.requireRunning(); err != nil {
		return err
	}
	policy, err := unit.PolicyFromConfig(cfg.Suspension)
	if err != nil {
		return err
	}
	h.units.SetPolicy(policy)

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	h.logger.WithComponent("host").Info("suspension policy reloaded",
		"strategy", string(policy.Strategy()),
		"min_warm", cfg.Suspension.MinWarm)
	return nil
}

// WatchConfig applies every valid edit of the config file to the running
// host. Invalid edits are logged and ignored.
func (h *Host) WatchConfig() {
	log := h.logger.WithComponent("host")
	config.Watch(func(cfg *config.Config) {
		if err := h.ApplyConfig(cfg); err != nil {
			log.Warn("config reload failed", "error", err)
		}
	}, func(err error) {
		log.Warn("ignoring invalid config edit", "error", err)
	})
}

// Config returns the configuration the host was built or last reloaded with.
func (h *Host) Config() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Host) Logger() *logging.Logger { return h.logger }
func (h *Host) Store() storage.Store { return h.store }
func (h *Host) Bus() *event.Bus { return h.bus }
func (h *Host) Projections() *projection.Set { return h.views }
func (h *Host) Channels() *ipc.Registry { return h.channels }
func (h *Host) Supervisor() *supervisor.Supervisor { return h.procs }
func (h *Host) Units() *unit.Manager { return h.units }
func (h *Host) Coordinator() *coordination.Coordinator { return h.coord }
