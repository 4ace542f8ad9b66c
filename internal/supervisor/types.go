package supervisor

import (
	"time"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/engine"
)

// Health is the supervisor's view of a process.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthDead     Health = "dead"
)

func (h Health) rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthCritical:
		return 2
	case HealthDead:
		return 3
	default:
		return -1
	}
}

// next returns the health one step worse than h.
func (h Health) next() Health {
	switch h {
	case HealthHealthy:
		return HealthDegraded
	case HealthDegraded:
		return HealthCritical
	default:
		return HealthDead
	}
}

// ProcessRecord is a read-only snapshot of a supervised process.
type ProcessRecord struct {
	ID         string
	Kind       engine.Kind
	Config     engine.Config
	ChannelID  string
	MemoryMB   int64
	CPUPercent float64
	OwnedUnits []string
	Health     Health
	Suspended  bool
	CreatedAt  time.Time
	LastActive time.Time
	DeadSince  time.Time
}

// Idle reports whether the process hosts no units.
func (p ProcessRecord) Idle() bool {
	return len(p.OwnedUnits) == 0
}

// Allocation is a resource envelope sent to a live process.
type Allocation struct {
	ProcessID     string
	MemoryLimitMB int64
	CPUQuota      float64
}

// Stats summarizes supervised processes.
type Stats struct {
	Processes     int
	ByHealth      map[Health]int
	ByKind        map[engine.Kind]int
	Suspended     int
	TotalMemoryMB int64
	Spawned       uint64
	SpawnFailures uint64
	Reaped        uint64
}

// Config holds supervision thresholds and cadences.
type Config struct {
	MonitorInterval    time.Duration
	OptimizeInterval   time.Duration
	SpawnTimeout       time.Duration
	DegradedMemoryMB   int64
	CriticalCPUPercent float64
	IdleMemoryMB       int64
	DeadGrace          time.Duration
	MaxUnitsPerProcess int
	// MemoryLimitMB, when positive, publishes memory.pressure whenever the
	// total footprint crosses it.
	MemoryLimitMB int64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return FromConfig(config.Default().Supervisor)
}

// FromConfig converts the loaded supervisor section.
func FromConfig(c config.SupervisorConfig) Config {
	return Config{
		MonitorInterval:    c.MonitorInterval(),
		OptimizeInterval:   c.OptimizeInterval(),
		SpawnTimeout:       c.SpawnTimeout(),
		DegradedMemoryMB:   int64(c.DegradedMemoryMB),
		CriticalCPUPercent: c.CriticalCPUPercent,
		IdleMemoryMB:       int64(c.IdleMemoryMB),
		DeadGrace:          c.DeadGrace(),
		MaxUnitsPerProcess: c.MaxUnitsPerProcess,
	}
}
