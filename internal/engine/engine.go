// Package engine defines the execution-engine collaborator that backs
// processes and the units they host. Page loading, rendering and
// navigation live behind this interface; the core only spawns, probes,
// commands and terminates handles.
//
// Simulated is an in-memory implementation used by tests and by the CLI.
package engine

import (
	"context"
	"time"
)

// Kind is the role of a spawned process.
type Kind string

const (
	KindMain       Kind = "main"
	KindWorker     Kind = "worker"
	KindRender     Kind = "render"
	KindNetwork    Kind = "network"
	KindAutomation Kind = "automation"
)

// Kinds returns every process kind.
func Kinds() []Kind {
	return []Kind{KindMain, KindWorker, KindRender, KindNetwork, KindAutomation}
}

// Valid reports whether k is a known process kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMain, KindWorker, KindRender, KindNetwork, KindAutomation:
		return true
	default:
		return false
	}
}

// SecurityLevel is the sandbox strength requested for a process.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "standard"
	SecurityStrict   SecurityLevel = "strict"
)

// Config is the resource envelope requested at spawn time. Enforcement is
// the engine's job.
type Config struct {
	MemoryLimitMB   int64
	CPUQuota        float64
	NetworkPriority int
	SecurityLevel   SecurityLevel
}

// Handle identifies a spawned process inside the engine.
type Handle struct {
	ID   string
	Kind Kind
}

// Usage is a resource sample for a handle.
type Usage struct {
	MemoryMB   int64
	CPUPercent float64
}

// Command is a control instruction delivered to a process.
type Command string

const (
	CommandSuspend  Command = "suspend"
	CommandResume   Command = "resume"
	CommandAllocate Command = "allocate"
	CommandRelease  Command = "release"
)

// ExitFunc is invoked by the engine when a handle exits on its own.
type ExitFunc func(h Handle, err error)

// ExtractOptions selects what ExtractContent returns.
type ExtractOptions struct {
	IncludeHTML bool
	MaxChars    int
}

// Content is extracted unit content handed to the content provider.
type Content struct {
	Text        string
	HTML        string
	Metadata    map[string]string
	ExtractedAt time.Time
}

// Engine is the execution engine collaborator.
type Engine interface {
	Spawn(ctx context.Context, kind Kind, cfg Config, onExit ExitFunc) (Handle, error)
	Terminate(ctx context.Context, h Handle) error
	Usage(ctx context.Context, h Handle) (Usage, error)
	Probe(ctx context.Context, h Handle) error
	Control(ctx context.Context, h Handle, cmd Command, params map[string]any) error

	AttachUnit(ctx context.Context, h Handle, unitID, url string) error
	DetachUnit(ctx context.Context, h Handle, unitID string) error
	Navigate(ctx context.Context, h Handle, unitID, url string) error
	ExtractContent(ctx context.Context, h Handle, unitID string, opts ExtractOptions) (Content, error)
}
