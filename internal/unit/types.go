package unit

import (
	"maps"
	"slices"
	"time"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/engine"
)

// Annotations are opaque labels supplied by an external content-analysis
// collaborator.
type Annotations struct {
	Topics    []string `json:"topics,omitempty" yaml:"topics,omitempty" toml:"topics,omitempty"`
	Sentiment string   `json:"sentiment,omitempty" yaml:"sentiment,omitempty" toml:"sentiment,omitempty"`
}

// Unit is a snapshot of a logical work unit. Returned values are copies.
type Unit struct {
	ID          string
	URL         string
	Title       string
	SpaceID     string
	GroupID     string
	ParentID    string
	Kind        engine.Kind
	ProcessID   string
	Suspended   bool
	Pinned      bool
	MemoryMB    int64
	CPUPercent  float64
	Metadata    map[string]string
	Annotations Annotations
	CanGoBack   bool
	CanForward  bool
	CreatedAt   time.Time
	LastActive  time.Time
}

func (u Unit) clone() Unit {
	u.Metadata = maps.Clone(u.Metadata)
	u.Annotations.Topics = slices.Clone(u.Annotations.Topics)
	return u
}

// Status filters search results by lifecycle state.
type Status string

// Search statuses.
const (
	StatusAny       Status = ""
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusPinned    Status = "pinned"
)

// CreateOptions controls CreateUnit.
type CreateOptions struct {
	// Background leaves the space's active unit unchanged.
	Background bool
	ParentID   string
	GroupID    string
	// SpaceID defaults to the manager's default space.
	SpaceID  string
	Title    string
	Kind     engine.Kind
	Pinned   bool
	Metadata map[string]string
}

// Group is a named subset of units within a space.
type Group struct {
	ID        string
	SpaceID   string
	Name      string
	Color     string
	Collapsed bool
	UnitIDs   []string
	CreatedAt time.Time
}

func (g Group) clone() Group {
	g.UnitIDs = slices.Clone(g.UnitIDs)
	return g
}

// Space is a top-level partition of units and groups.
type Space struct {
	ID           string
	Name         string
	ActiveUnitID string
	GroupIDs     []string
	Settings     map[string]string
	CreatedAt    time.Time
}

func (s Space) clone() Space {
	s.GroupIDs = slices.Clone(s.GroupIDs)
	s.Settings = maps.Clone(s.Settings)
	return s
}

// DestroySpaceOptions controls DestroySpace.
type DestroySpaceOptions struct {
	// MigrateTo moves member units into another space instead of
	// destroying them.
	MigrateTo string
}

// ClosedUnit is an entry in the recently-closed list.
type ClosedUnit struct {
	URL      string
	Title    string
	SpaceID  string
	GroupID  string
	Metadata map[string]string
	ClosedAt time.Time
}

// Stats summarizes the manager.
type Stats struct {
	Units          int
	Active         int
	Suspended      int
	Pinned         int
	Spaces         int
	Groups         int
	MemoryMB       int64
	RecentlyClosed int
	Suspensions    uint64
	Restorations   uint64
}

// Config holds the manager's limits.
type Config struct {
	MaxUnits            int
	DefaultSpaceName    string
	HistoryLimit        int
	RecentlyClosedLimit int
	// Kind is the process kind requested for new units.
	Kind engine.Kind
	// CheckInterval is the cadence of the suspension policy. Zero
	// disables the periodic check.
	CheckInterval time.Duration
	// Workers bounds parallel suspensions in OptimizeMemory and SuspendAll.
	Workers int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxUnits:            100,
		DefaultSpaceName:    "Default",
		HistoryLimit:        50,
		RecentlyClosedLimit: 25,
		Kind:                engine.KindRender,
		CheckInterval:       5 * time.Second,
		Workers:             4,
	}
}

// FromConfig maps the units and suspension sections onto a Config. The
// policy check runs on the supervisor's monitor cadence.
func FromConfig(units config.UnitsConfig, suspension config.SuspensionConfig, sup config.SupervisorConfig) Config {
	c := DefaultConfig()
	c.MaxUnits = units.MaxUnits
	c.DefaultSpaceName = units.DefaultSpaceName
	c.HistoryLimit = units.HistoryLimit
	c.RecentlyClosedLimit = units.RecentlyClosedLimit
	c.CheckInterval = 0
	if suspension.Enabled {
		c.CheckInterval = sup.MonitorInterval()
	}
	return c
}
