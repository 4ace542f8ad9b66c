package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete switchyard configuration
type Config struct {
	Bus         BusConfig         `mapstructure:"bus"`
	IPC         IPCConfig         `mapstructure:"ipc"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Units       UnitsConfig       `mapstructure:"units"`
	Suspension  SuspensionConfig  `mapstructure:"suspension"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// BusConfig controls the event bus
type BusConfig struct {
	// QueueSize bounds the processor FIFO. Overflow sheds lower-priority events.
	QueueSize int `mapstructure:"queue_size"`
	// TickIntervalMs is how often the background loop drains the queue (default: 10)
	TickIntervalMs int `mapstructure:"tick_interval_ms"`
	// BatchSize is the maximum number of events processed per tick
	BatchSize int `mapstructure:"batch_size"`
	// LogEnabled keeps an in-memory ring of published events for History()
	LogEnabled bool `mapstructure:"log_enabled"`
	// LogSize is the capacity of the in-memory event ring
	LogSize int `mapstructure:"log_size"`
}

// IPCConfig controls the channel registry
type IPCConfig struct {
	// RequestTimeoutMs is the default timeout for response-required sends
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	// ChannelBuffer is the per-channel dispatch queue length
	ChannelBuffer int `mapstructure:"channel_buffer"`
}

// SupervisorConfig controls process supervision
type SupervisorConfig struct {
	// MonitorIntervalMs is the health/usage refresh cadence (default: 5000)
	MonitorIntervalMs int `mapstructure:"monitor_interval_ms"`
	// OptimizeIntervalMs is the idle-process suspension cadence (default: 30000)
	OptimizeIntervalMs int `mapstructure:"optimize_interval_ms"`
	// SpawnTimeoutMs bounds a single engine spawn
	SpawnTimeoutMs int `mapstructure:"spawn_timeout_ms"`
	// DegradedMemoryMB marks a process Degraded once exceeded
	DegradedMemoryMB int `mapstructure:"degraded_memory_mb"`
	// CriticalCPUPercent marks a process Critical once exceeded
	CriticalCPUPercent float64 `mapstructure:"critical_cpu_percent"`
	// IdleMemoryMB is the footprint above which an empty process is suspended
	IdleMemoryMB int `mapstructure:"idle_memory_mb"`
	// DeadGraceMs is how long Dead records stay visible before being reaped
	DeadGraceMs int `mapstructure:"dead_grace_ms"`
	// MaxUnitsPerProcess bounds process reuse. 1 gives every unit its own process.
	MaxUnitsPerProcess int `mapstructure:"max_units_per_process"`
}

// UnitsConfig controls the unit manager
type UnitsConfig struct {
	// MaxUnits bounds the number of live units across all spaces
	MaxUnits int `mapstructure:"max_units"`
	// DefaultSpaceName names the space created at startup
	DefaultSpaceName string `mapstructure:"default_space_name"`
	// HistoryLimit bounds per-unit back/forward history
	HistoryLimit int `mapstructure:"history_limit"`
	// RecentlyClosedLimit bounds the reopen-closed list
	RecentlyClosedLimit int `mapstructure:"recently_closed_limit"`
}

// SuspensionConfig controls the automatic suspension policy
type SuspensionConfig struct {
	// Enabled turns the periodic policy check on or off
	Enabled bool `mapstructure:"enabled"`
	// Strategy is one of "time", "usage", "memory", "hybrid"
	Strategy string `mapstructure:"strategy"`
	// IdleMinutes is the inactivity after which a unit becomes a candidate
	IdleMinutes int `mapstructure:"idle_minutes"`
	// GraceSeconds delays finalizing a time-based suspension once a unit is marked
	GraceSeconds int `mapstructure:"grace_seconds"`
	// MemoryLimitMB triggers memory-pressure mode when total unit memory exceeds it
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
	// MemoryCeilingMB normalizes a unit's memory footprint to [0,1]
	MemoryCeilingMB int `mapstructure:"memory_ceiling_mb"`
	// MinWarm is the number of active units always kept resident
	MinWarm int `mapstructure:"min_warm"`
	// ScoreThreshold is the score at or above which a unit is suspended
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	// Weights for the hybrid score; they need not sum to one
	RecencyWeight float64 `mapstructure:"recency_weight"`
	MemoryWeight  float64 `mapstructure:"memory_weight"`
	CPUWeight     float64 `mapstructure:"cpu_weight"`
}

// CoordinatorConfig controls shared contexts and collaboration sessions
type CoordinatorConfig struct {
	// DefaultPolicy is the conflict resolution policy for new contexts.
	// Options: "manual", "automatic", "owner_priority"
	DefaultPolicy string `mapstructure:"default_policy"`
	// ConnectionIdleMinutes marks a participant disconnected after this much inactivity
	ConnectionIdleMinutes int `mapstructure:"connection_idle_minutes"`
	// CleanupIntervalSeconds is the sweep cadence
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"`
	// DefaultMaxParticipants applies when a session does not set its own limit
	DefaultMaxParticipants int `mapstructure:"default_max_participants"`
	// MessageLogSize bounds the recent-message log
	MessageLogSize int `mapstructure:"message_log_size"`
}

// StorageConfig controls the persistence collaborator
type StorageConfig struct {
	// Driver is "memory" or "sqlite"
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file. Empty uses {ConfigDir}/switchyard.db.
	Path string `mapstructure:"path"`
	// JournalEvents mirrors every published event into the store
	JournalEvents bool `mapstructure:"journal_events"`
}

// EngineConfig controls the simulated rendering engine used by the CLI
type EngineConfig struct {
	// SpawnLatencyMs is an artificial delay applied to every spawn
	SpawnLatencyMs int `mapstructure:"spawn_latency_ms"`
	// BaseMemoryMB is the footprint reported for a freshly spawned process
	BaseMemoryMB int `mapstructure:"base_memory_mb"`
	// UnitMemoryMB is the footprint added per hosted unit
	UnitMemoryMB int `mapstructure:"unit_memory_mb"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled turns file logging on. When false a no-op logger is used.
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Dir is the log directory. Empty uses {ConfigDir}/logs.
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum size of a log file before rotation
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			QueueSize:      10000,
			TickIntervalMs: 10,
			BatchSize:      256,
			LogEnabled:     true,
			LogSize:        1000,
		},
		IPC: IPCConfig{
			RequestTimeoutMs: 5000,
			ChannelBuffer:    256,
		},
		Supervisor: SupervisorConfig{
			MonitorIntervalMs:  5000,
			OptimizeIntervalMs: 30000,
			SpawnTimeoutMs:     10000,
			DegradedMemoryMB:   500,
			CriticalCPUPercent: 90,
			IdleMemoryMB:       300,
			DeadGraceMs:        60000,
			MaxUnitsPerProcess: 1,
		},
		Units: UnitsConfig{
			MaxUnits:            100,
			DefaultSpaceName:    "Default",
			HistoryLimit:        50,
			RecentlyClosedLimit: 25,
		},
		Suspension: SuspensionConfig{
			Enabled:         true,
			Strategy:        "hybrid",
			IdleMinutes:     30,
			GraceSeconds:    60,
			MemoryLimitMB:   2048,
			MemoryCeilingMB: 512,
			MinWarm:         2,
			ScoreThreshold:  0.6,
			RecencyWeight:   0.5,
			MemoryWeight:    0.3,
			CPUWeight:       0.2,
		},
		Coordinator: CoordinatorConfig{
			DefaultPolicy:          "owner_priority",
			ConnectionIdleMinutes:  5,
			CleanupIntervalSeconds: 60,
			DefaultMaxParticipants: 8,
			MessageLogSize:         200,
		},
		Storage: StorageConfig{
			Driver:        "memory",
			Path:          "",
			JournalEvents: false,
		},
		Engine: EngineConfig{
			SpawnLatencyMs: 0,
			BaseMemoryMB:   80,
			UnitMemoryMB:   40,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// TickInterval returns the bus tick interval as a time.Duration
func (c *BusConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// RequestTimeout returns the default response timeout as a time.Duration
func (c *IPCConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// MonitorInterval returns the monitor cadence as a time.Duration
func (c *SupervisorConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

// OptimizeInterval returns the optimize cadence as a time.Duration
func (c *SupervisorConfig) OptimizeInterval() time.Duration {
	return time.Duration(c.OptimizeIntervalMs) * time.Millisecond
}

// SpawnTimeout returns the spawn timeout as a time.Duration
func (c *SupervisorConfig) SpawnTimeout() time.Duration {
	return time.Duration(c.SpawnTimeoutMs) * time.Millisecond
}

// DeadGrace returns the dead-record grace window as a time.Duration
func (c *SupervisorConfig) DeadGrace() time.Duration {
	return time.Duration(c.DeadGraceMs) * time.Millisecond
}

// IdleAfter returns the idle threshold as a time.Duration
func (c *SuspensionConfig) IdleAfter() time.Duration {
	return time.Duration(c.IdleMinutes) * time.Minute
}

// Grace returns the time-based grace period as a time.Duration
func (c *SuspensionConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// ConnectionIdle returns the participant idle timeout as a time.Duration
func (c *CoordinatorConfig) ConnectionIdle() time.Duration {
	return time.Duration(c.ConnectionIdleMinutes) * time.Minute
}

// CleanupInterval returns the cleanup cadence as a time.Duration
func (c *CoordinatorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// SpawnLatency returns the simulated spawn delay as a time.Duration
func (c *EngineConfig) SpawnLatency() time.Duration {
	return time.Duration(c.SpawnLatencyMs) * time.Millisecond
}

// ResolvePath returns the sqlite database path, defaulting under ConfigDir.
func (c *StorageConfig) ResolvePath() string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(ConfigDir(), "switchyard.db")
}

// ResolveDir returns the log directory, defaulting under ConfigDir.
func (c *LoggingConfig) ResolveDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	return filepath.Join(ConfigDir(), "logs")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Bus defaults
	viper.SetDefault("bus.queue_size", defaults.Bus.QueueSize)
	viper.SetDefault("bus.tick_interval_ms", defaults.Bus.TickIntervalMs)
	viper.SetDefault("bus.batch_size", defaults.Bus.BatchSize)
	viper.SetDefault("bus.log_enabled", defaults.Bus.LogEnabled)
	viper.SetDefault("bus.log_size", defaults.Bus.LogSize)

	// IPC defaults
	viper.SetDefault("ipc.request_timeout_ms", defaults.IPC.RequestTimeoutMs)
	viper.SetDefault("ipc.channel_buffer", defaults.IPC.ChannelBuffer)

	// Supervisor defaults
	viper.SetDefault("supervisor.monitor_interval_ms", defaults.Supervisor.MonitorIntervalMs)
	viper.SetDefault("supervisor.optimize_interval_ms", defaults.Supervisor.OptimizeIntervalMs)
	viper.SetDefault("supervisor.spawn_timeout_ms", defaults.Supervisor.SpawnTimeoutMs)
	viper.SetDefault("supervisor.degraded_memory_mb", defaults.Supervisor.DegradedMemoryMB)
	viper.SetDefault("supervisor.critical_cpu_percent", defaults.Supervisor.CriticalCPUPercent)
	viper.SetDefault("supervisor.idle_memory_mb", defaults.Supervisor.IdleMemoryMB)
	viper.SetDefault("supervisor.dead_grace_ms", defaults.Supervisor.DeadGraceMs)
	viper.SetDefault("supervisor.max_units_per_process", defaults.Supervisor.MaxUnitsPerProcess)

	// Unit defaults
	viper.SetDefault("units.max_units", defaults.Units.MaxUnits)
	viper.SetDefault("units.default_space_name", defaults.Units.DefaultSpaceName)
	viper.SetDefault("units.history_limit", defaults.Units.HistoryLimit)
	viper.SetDefault("units.recently_closed_limit", defaults.Units.RecentlyClosedLimit)

	// Suspension defaults
	viper.SetDefault("suspension.enabled", defaults.Suspension.Enabled)
	viper.SetDefault("suspension.strategy", defaults.Suspension.Strategy)
	viper.SetDefault("suspension.idle_minutes", defaults.Suspension.IdleMinutes)
	viper.SetDefault("suspension.grace_seconds", defaults.Suspension.GraceSeconds)
	viper.SetDefault("suspension.memory_limit_mb", defaults.Suspension.MemoryLimitMB)
	viper.SetDefault("suspension.memory_ceiling_mb", defaults.Suspension.MemoryCeilingMB)
	viper.SetDefault("suspension.min_warm", defaults.Suspension.MinWarm)
	viper.SetDefault("suspension.score_threshold", defaults.Suspension.ScoreThreshold)
	viper.SetDefault("suspension.recency_weight", defaults.Suspension.RecencyWeight)
	viper.SetDefault("suspension.memory_weight", defaults.Suspension.MemoryWeight)
	viper.SetDefault("suspension.cpu_weight", defaults.Suspension.CPUWeight)

	// Coordinator defaults
	viper.SetDefault("coordinator.default_policy", defaults.Coordinator.DefaultPolicy)
	viper.SetDefault("coordinator.connection_idle_minutes", defaults.Coordinator.ConnectionIdleMinutes)
	viper.SetDefault("coordinator.cleanup_interval_seconds", defaults.Coordinator.CleanupIntervalSeconds)
	viper.SetDefault("coordinator.default_max_participants", defaults.Coordinator.DefaultMaxParticipants)
	viper.SetDefault("coordinator.message_log_size", defaults.Coordinator.MessageLogSize)

	// Storage defaults
	viper.SetDefault("storage.driver", defaults.Storage.Driver)
	viper.SetDefault("storage.path", defaults.Storage.Path)
	viper.SetDefault("storage.journal_events", defaults.Storage.JournalEvents)

	// Engine defaults
	viper.SetDefault("engine.spawn_latency_ms", defaults.Engine.SpawnLatencyMs)
	viper.SetDefault("engine.base_memory_mb", defaults.Engine.BaseMemoryMB)
	viper.SetDefault("engine.unit_memory_mb", defaults.Engine.UnitMemoryMB)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch re-loads the configuration whenever the config file changes on disk
// and hands each valid result to onChange. Invalid edits are reported to
// onError and otherwise ignored. Watch requires viper to have a config file.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "switchyard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchyard"
	}
	return filepath.Join(home, ".config", "switchyard")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
