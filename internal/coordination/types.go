package coordination

import (
	"maps"
	"slices"
	"time"

	"github.com/Iron-Ham/switchyard/internal/config"
	"github.com/Iron-Ham/switchyard/internal/errors"
)

// MessageType identifies the kind of unit-to-unit message.
type MessageType string

const (
	// MessageContextUpdate announces a committed shared-context write.
	MessageContextUpdate MessageType = "context_update"

	// MessagePermissionRequest asks the recipient to grant a message type.
	MessagePermissionRequest MessageType = "permission_request"

	// MessageSessionEvent carries collaboration session notices.
	MessageSessionEvent MessageType = "session_event"

	// MessageData carries an arbitrary application payload.
	MessageData MessageType = "data"

	// MessageNavigation asks the recipient to open a URL.
	MessageNavigation MessageType = "navigation"

	// MessageContentShare hands extracted page content to another unit.
	MessageContentShare MessageType = "content_share"

	// MessageAutomation drives the recipient unit.
	MessageAutomation MessageType = "automation"
)

var validMessageTypes = map[MessageType]bool{
	MessageContextUpdate:     true,
	MessagePermissionRequest: true,
	MessageSessionEvent:      true,
	MessageData:              true,
	MessageNavigation:        true,
	MessageContentShare:      true,
	MessageAutomation:        true,
}

// Types that need no grant. They are the coordinator's own traffic.
var defaultAllowed = map[MessageType]bool{
	MessageContextUpdate:     true,
	MessagePermissionRequest: true,
	MessageSessionEvent:      true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return validMessageTypes[t]
}

// MessageTypes returns every known message type, sorted.
func MessageTypes() []MessageType {
	return slices.Sorted(maps.Keys(validMessageTypes))
}

// Message is a unit-to-unit message as seen by the coordinator.
type Message struct {
	ID        string
	From      string
	To        string
	Type      MessageType
	Payload   map[string]any
	Timestamp time.Time
}

// Access names one of a shared context's permission sets.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
	AccessAdmin Access = "admin"
)

func (a Access) valid() bool {
	return a == AccessRead || a == AccessWrite || a == AccessAdmin
}

// ConflictPolicy selects how concurrent writes to one key are settled.
type ConflictPolicy string

const (
	// PolicyManual keeps the stored value and hands the conflict back to
	// the caller as a ConflictError.
	PolicyManual ConflictPolicy = "manual"
	// PolicyAutomatic commits the latest write.
	PolicyAutomatic ConflictPolicy = "automatic"
	// PolicyOwnerPriority lets the context owner's value win whatever the
	// write order. Conflicts between non-owners fall back to the latest
	// write.
	PolicyOwnerPriority ConflictPolicy = "owner_priority"
)

// ParsePolicy converts a configuration string into a ConflictPolicy.
func ParsePolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case PolicyManual, PolicyAutomatic, PolicyOwnerPriority:
		return p, nil
	default:
		return "", errors.NewValidationError("unknown conflict policy").WithField("policy").WithValue(s)
	}
}

// Permissions lists the units allowed to read, write and administer a
// shared context. Public contexts are readable by every unit.
type Permissions struct {
	Read   []string
	Write  []string
	Admin  []string
	Public bool
}

// SharedContext is a read-only snapshot of a shared context.
type SharedContext struct {
	ID           string
	Name         string
	Owner        string
	Participants []string
	Data         map[string]any
	Permissions  Permissions
	Policy       ConflictPolicy
	// Version is 1 at creation and grows by one per committed write.
	Version      uint64
	CreatedAt    time.Time
	LastModified time.Time
}

// ContextSpec describes a new shared context.
type ContextSpec struct {
	Name  string
	Owner string
	Data  map[string]any
	// Permissions replaces the default sets, which hold only the owner.
	// The owner is always a participant.
	Permissions *Permissions
	// Policy defaults to the coordinator's configured policy.
	Policy ConflictPolicy
}

// Update is one write to a shared context.
type Update struct {
	ContextID string
	UnitID    string
	Key       string
	Value     any
	// BaseVersion is the context version the writer last read. A later
	// write to Key by another unit is a conflict. Zero uses the version
	// the writer last observed through a read or its own write.
	BaseVersion uint64
}

// UpdateResult reports the outcome of UpdateSharedData.
type UpdateResult struct {
	// Committed is false when the write lost its conflict.
	Committed bool
	Version   uint64
	// Value is the value stored for the key after the call.
	Value    any
	Conflict *ConflictRecord
}

// Candidate is one competing write in a conflict.
type Candidate struct {
	UnitID string
	Value  any
	At     time.Time
}

// ConflictRecord documents a detected conflict. Records are append-only;
// a manual resolution appends a new record that names the one it settles.
type ConflictRecord struct {
	ID        string
	ContextID string
	Key       string
	// Candidates lists the stored value first and the incoming write second.
	Candidates    []Candidate
	Method        ConflictPolicy
	Resolved      bool
	ResolvedValue any
	ResolvedBy    string
	Resolves      string
	CreatedAt     time.Time
}

// Role is a participant's standing in a session.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleEditor   Role = "editor"
	RoleViewer   Role = "viewer"
	RoleObserver Role = "observer"
)

func (r Role) valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer, RoleObserver:
		return true
	default:
		return false
	}
}

// access maps a session role onto the permission set it grants on the
// session's contexts.
func (r Role) access() Access {
	switch r {
	case RoleOwner:
		return AccessAdmin
	case RoleEditor:
		return AccessWrite
	default:
		return AccessRead
	}
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// Participant is one member of a session.
type Participant struct {
	UnitID     string
	Role       Role
	JoinedAt   time.Time
	LastActive time.Time
	Connected  bool
}

// SessionSettings tunes a session. Zero fields take coordinator defaults.
type SessionSettings struct {
	Policy          ConflictPolicy
	MaxParticipants int
	// IdleTimeout marks participants disconnected after inactivity. Zero
	// uses the coordinator's connection idle timeout.
	IdleTimeout time.Duration
}

// Session is a read-only snapshot of a collaboration session.
type Session struct {
	ID   string
	Type string
	// Participants are in join order.
	Participants []Participant
	ContextIDs   []string
	Settings     SessionSettings
	Status       SessionStatus
	CreatedAt    time.Time
	EndedAt      time.Time
}

// Owner returns the id of the session owner, or "" when there is none.
func (s Session) Owner() string {
	for _, p := range s.Participants {
		if p.Role == RoleOwner {
			return p.UnitID
		}
	}
	return ""
}

// PermissionRequest is an advisory request waiting for a grant.
type PermissionRequest struct {
	ID          string
	From        string
	To          string
	MessageType MessageType
	RequestedAt time.Time
}

// ConnectionState tracks whether a unit pair's channel is in use.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Connection is the coordinator's view of a unit pair's data channel.
type Connection struct {
	A, B       string
	ChannelID  string
	State      ConnectionState
	LastActive time.Time
}

// CleanupReport summarizes one cleanup sweep.
type CleanupReport struct {
	Disconnected     int
	IdleParticipants int
	SessionsPurged   int
	ContextsPurged   int
}

// Stats is a point-in-time snapshot of coordinator counters.
type Stats struct {
	Contexts        int
	Sessions        int
	ActiveSessions  int
	Connections     int
	Grants          int
	PendingRequests int
	Conflicts       int
	Sent            uint64
	Denied          uint64
	Delivered       uint64
}

// Config holds coordinator limits and defaults.
type Config struct {
	DefaultPolicy          ConflictPolicy
	ConnectionIdle         time.Duration
	CleanupInterval        time.Duration
	DefaultMaxParticipants int
	MessageLogSize         int
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		DefaultPolicy:          PolicyOwnerPriority,
		ConnectionIdle:         5 * time.Minute,
		CleanupInterval:        time.Minute,
		DefaultMaxParticipants: 8,
		MessageLogSize:         200,
	}
}

// FromConfig maps the coordinator section onto a Config. An unknown
// policy keeps the default; config validation reports it.
func FromConfig(c config.CoordinatorConfig) Config {
	d := DefaultConfig()
	if p, err := ParsePolicy(c.DefaultPolicy); err == nil {
		d.DefaultPolicy = p
	}
	d.ConnectionIdle = c.ConnectionIdle()
	d.CleanupInterval = c.CleanupInterval()
	d.DefaultMaxParticipants = c.DefaultMaxParticipants
	d.MessageLogSize = c.MessageLogSize
	return d
}
