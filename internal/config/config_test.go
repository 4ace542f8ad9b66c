package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.Bus.TickIntervalMs != 10 {
		t.Errorf("Bus.TickIntervalMs = %d, want 10", cfg.Bus.TickIntervalMs)
	}
	if cfg.Supervisor.MonitorIntervalMs != 5000 {
		t.Errorf("Supervisor.MonitorIntervalMs = %d, want 5000", cfg.Supervisor.MonitorIntervalMs)
	}
	if cfg.Supervisor.OptimizeIntervalMs != 30000 {
		t.Errorf("Supervisor.OptimizeIntervalMs = %d, want 30000", cfg.Supervisor.OptimizeIntervalMs)
	}
	if cfg.Supervisor.DegradedMemoryMB != 500 {
		t.Errorf("Supervisor.DegradedMemoryMB = %d, want 500", cfg.Supervisor.DegradedMemoryMB)
	}
	if cfg.Supervisor.CriticalCPUPercent != 90 {
		t.Errorf("Supervisor.CriticalCPUPercent = %v, want 90", cfg.Supervisor.CriticalCPUPercent)
	}
	if cfg.Supervisor.IdleMemoryMB != 300 {
		t.Errorf("Supervisor.IdleMemoryMB = %d, want 300", cfg.Supervisor.IdleMemoryMB)
	}
	if cfg.Suspension.Strategy != "hybrid" {
		t.Errorf("Suspension.Strategy = %q, want hybrid", cfg.Suspension.Strategy)
	}
	if cfg.Coordinator.ConnectionIdleMinutes != 5 {
		t.Errorf("Coordinator.ConnectionIdleMinutes = %d, want 5", cfg.Coordinator.ConnectionIdleMinutes)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("Storage.Driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"bus tick", cfg.Bus.TickInterval(), 10 * time.Millisecond},
		{"ipc request", cfg.IPC.RequestTimeout(), 5 * time.Second},
		{"monitor", cfg.Supervisor.MonitorInterval(), 5 * time.Second},
		{"optimize", cfg.Supervisor.OptimizeInterval(), 30 * time.Second},
		{"spawn", cfg.Supervisor.SpawnTimeout(), 10 * time.Second},
		{"dead grace", cfg.Supervisor.DeadGrace(), time.Minute},
		{"idle", cfg.Suspension.IdleAfter(), 30 * time.Minute},
		{"grace", cfg.Suspension.Grace(), time.Minute},
		{"connection idle", cfg.Coordinator.ConnectionIdle(), 5 * time.Minute},
		{"cleanup", cfg.Coordinator.CleanupInterval(), time.Minute},
		{"spawn latency", cfg.Engine.SpawnLatency(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/switchyard" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/switchyard")
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		want := filepath.Join(home, ".config", "switchyard")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}

func TestResolvedPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")

	if got := ConfigFile(); got != "/custom/config/switchyard/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}

	storage := StorageConfig{}
	if got := storage.ResolvePath(); got != "/custom/config/switchyard/switchyard.db" {
		t.Errorf("ResolvePath() = %q", got)
	}
	storage.Path = "/tmp/x.db"
	if got := storage.ResolvePath(); got != "/tmp/x.db" {
		t.Errorf("ResolvePath() with explicit path = %q", got)
	}

	logging := LoggingConfig{}
	if got := logging.ResolveDir(); got != "/custom/config/switchyard/logs" {
		t.Errorf("ResolveDir() = %q", got)
	}
}

func TestGet(t *testing.T) {
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Bus.QueueSize != Default().Bus.QueueSize {
		t.Errorf("Get().Bus.QueueSize = %d, want %d", cfg.Bus.QueueSize, Default().Bus.QueueSize)
	}
	if cfg.Units.DefaultSpaceName != "Default" {
		t.Errorf("Get().Units.DefaultSpaceName = %q, want Default", cfg.Units.DefaultSpaceName)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	SetDefaults()
	viper.Set("suspension.strategy", "random")
	defer viper.Set("suspension.strategy", Default().Suspension.Strategy)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for an unknown strategy")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error type = %T, want ValidationErrors", err)
	}
	if verrs[0].Field != "suspension.strategy" {
		t.Errorf("Field = %q, want suspension.strategy", verrs[0].Field)
	}

	// Get falls back to defaults
	if got := Get().Suspension.Strategy; got != "hybrid" {
		t.Errorf("Get().Suspension.Strategy = %q, want hybrid", got)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("suspension:\n  min_warm: 2\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	SetDefaults()
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig: %v", err)
	}

	changed := make(chan *Config, 4)
	Watch(func(cfg *Config) { changed <- cfg }, nil)

	if err := os.WriteFile(path, []byte("suspension:\n  min_warm: 7\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Suspension.MinWarm == 7 {
				return
			}
		case <-deadline:
			t.Fatal("Watch callback did not observe the edited file")
		}
	}
}
