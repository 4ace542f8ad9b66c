package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/switchyard/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "bus.queue_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the logging levels in lower case, the form used
// in config files.
func ValidLogLevels() []string {
	levels := logging.ValidLevels()
	for i, l := range levels {
		levels[i] = strings.ToLower(l)
	}
	return levels
}

// ValidStrategies returns the list of valid suspension strategies
func ValidStrategies() []string {
	return []string{"time", "usage", "memory", "hybrid"}
}

// ValidPolicies returns the list of valid conflict resolution policies
func ValidPolicies() []string {
	return []string{"manual", "automatic", "owner_priority"}
}

// ValidDrivers returns the list of valid storage drivers
func ValidDrivers() []string {
	return []string{"memory", "sqlite"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateIPC()...)
	errors = append(errors, c.validateSupervisor()...)
	errors = append(errors, c.validateUnits()...)
	errors = append(errors, c.validateSuspension()...)
	errors = append(errors, c.validateCoordinator()...)
	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// positive appends an error when value is not strictly positive.
func positive(errors []ValidationError, field string, value int) []ValidationError {
	if value <= 0 {
		errors = append(errors, ValidationError{Field: field, Value: value, Message: "must be positive"})
	}
	return errors
}

// nonNegative appends an error when value is negative.
func nonNegative(errors []ValidationError, field string, value int) []ValidationError {
	if value < 0 {
		errors = append(errors, ValidationError{Field: field, Value: value, Message: "must be non-negative"})
	}
	return errors
}

func oneOf(errors []ValidationError, field, value string, valid []string) []ValidationError {
	if !slices.Contains(valid, value) {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   value,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		})
	}
	return errors
}

func (c *Config) validateBus() []ValidationError {
	var errors []ValidationError
	errors = positive(errors, "bus.queue_size", c.Bus.QueueSize)
	errors = positive(errors, "bus.tick_interval_ms", c.Bus.TickIntervalMs)
	errors = positive(errors, "bus.batch_size", c.Bus.BatchSize)
	if c.Bus.LogEnabled {
		errors = positive(errors, "bus.log_size", c.Bus.LogSize)
	}
	return errors
}

func (c *Config) validateIPC() []ValidationError {
	var errors []ValidationError
	errors = positive(errors, "ipc.request_timeout_ms", c.IPC.RequestTimeoutMs)
	errors = positive(errors, "ipc.channel_buffer", c.IPC.ChannelBuffer)
	return errors
}

// validateSupervisor validates the SupervisorConfig
func (c *Config) validateSupervisor() []ValidationError {
	var errors []ValidationError
	s := c.Supervisor

	errors = positive(errors, "supervisor.monitor_interval_ms", s.MonitorIntervalMs)
	errors = positive(errors, "supervisor.optimize_interval_ms", s.OptimizeIntervalMs)
	errors = positive(errors, "supervisor.spawn_timeout_ms", s.SpawnTimeoutMs)
	errors = positive(errors, "supervisor.degraded_memory_mb", s.DegradedMemoryMB)
	errors = positive(errors, "supervisor.idle_memory_mb", s.IdleMemoryMB)
	errors = nonNegative(errors, "supervisor.dead_grace_ms", s.DeadGraceMs)
	errors = positive(errors, "supervisor.max_units_per_process", s.MaxUnitsPerProcess)

	if s.CriticalCPUPercent <= 0 || s.CriticalCPUPercent > 100 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.critical_cpu_percent",
			Value:   s.CriticalCPUPercent,
			Message: "must be in (0, 100]",
		})
	}

	// The optimizer runs on top of fresh monitoring data
	if s.MonitorIntervalMs > 0 && s.OptimizeIntervalMs > 0 && s.OptimizeIntervalMs < s.MonitorIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "supervisor.optimize_interval_ms",
			Value:   s.OptimizeIntervalMs,
			Message: fmt.Sprintf("must not be shorter than monitor_interval_ms (%d)", s.MonitorIntervalMs),
		})
	}

	return errors
}

func (c *Config) validateUnits() []ValidationError {
	var errors []ValidationError
	errors = positive(errors, "units.max_units", c.Units.MaxUnits)
	errors = nonNegative(errors, "units.history_limit", c.Units.HistoryLimit)
	errors = nonNegative(errors, "units.recently_closed_limit", c.Units.RecentlyClosedLimit)
	if strings.TrimSpace(c.Units.DefaultSpaceName) == "" {
		errors = append(errors, ValidationError{
			Field:   "units.default_space_name",
			Value:   c.Units.DefaultSpaceName,
			Message: "cannot be empty",
		})
	}
	return errors
}

// validateSuspension validates the SuspensionConfig
func (c *Config) validateSuspension() []ValidationError {
	var errors []ValidationError
	s := c.Suspension

	errors = oneOf(errors, "suspension.strategy", s.Strategy, ValidStrategies())
	errors = positive(errors, "suspension.idle_minutes", s.IdleMinutes)
	errors = nonNegative(errors, "suspension.grace_seconds", s.GraceSeconds)
	errors = positive(errors, "suspension.memory_limit_mb", s.MemoryLimitMB)
	errors = positive(errors, "suspension.memory_ceiling_mb", s.MemoryCeilingMB)
	errors = nonNegative(errors, "suspension.min_warm", s.MinWarm)

	if s.ScoreThreshold <= 0 || s.ScoreThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "suspension.score_threshold",
			Value:   s.ScoreThreshold,
			Message: "must be in (0, 1]",
		})
	}

	weights := map[string]float64{
		"suspension.recency_weight": s.RecencyWeight,
		"suspension.memory_weight":  s.MemoryWeight,
		"suspension.cpu_weight":     s.CPUWeight,
	}
	for _, field := range []string{"suspension.recency_weight", "suspension.memory_weight", "suspension.cpu_weight"} {
		if weights[field] < 0 {
			errors = append(errors, ValidationError{Field: field, Value: weights[field], Message: "must be non-negative"})
		}
	}
	if s.RecencyWeight+s.MemoryWeight+s.CPUWeight <= 0 {
		errors = append(errors, ValidationError{
			Field:   "suspension.recency_weight",
			Value:   s.RecencyWeight,
			Message: "at least one weight must be positive",
		})
	}

	return errors
}

func (c *Config) validateCoordinator() []ValidationError {
	var errors []ValidationError
	errors = oneOf(errors, "coordinator.default_policy", c.Coordinator.DefaultPolicy, ValidPolicies())
	errors = positive(errors, "coordinator.connection_idle_minutes", c.Coordinator.ConnectionIdleMinutes)
	errors = positive(errors, "coordinator.cleanup_interval_seconds", c.Coordinator.CleanupIntervalSeconds)
	errors = positive(errors, "coordinator.default_max_participants", c.Coordinator.DefaultMaxParticipants)
	errors = nonNegative(errors, "coordinator.message_log_size", c.Coordinator.MessageLogSize)
	return errors
}

func (c *Config) validateStorage() []ValidationError {
	return oneOf(nil, "storage.driver", c.Storage.Driver, ValidDrivers())
}

func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError
	errors = nonNegative(errors, "engine.spawn_latency_ms", c.Engine.SpawnLatencyMs)
	errors = nonNegative(errors, "engine.base_memory_mb", c.Engine.BaseMemoryMB)
	errors = nonNegative(errors, "engine.unit_memory_mb", c.Engine.UnitMemoryMB)
	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	errors = positive(errors, "logging.max_size_mb", c.Logging.MaxSizeMB)

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errors = nonNegative(errors, "logging.max_backups", c.Logging.MaxBackups)

	return errors
}
