package event

import (
	"maps"
	"slices"
	"time"
)

// Type identifies an event. The set of types is closed: every value the
// core publishes is listed below and Valid reports false for anything else.
type Type string

// Unit lifecycle events
const (
	UnitCreated      Type = "unit.created"
	UnitDestroyed    Type = "unit.destroyed"
	UnitSuspended    Type = "unit.suspended"
	UnitRestored     Type = "unit.restored"
	UnitNavigated    Type = "unit.navigated"
	UnitActivated    Type = "unit.activated"
	UnitUpdated      Type = "unit.updated"
	UnitContentReady Type = "unit.content_ready"
	ActionRequested  Type = "action.requested"
)

// Group and space events
const (
	GroupCreated   Type = "group.created"
	GroupDeleted   Type = "group.deleted"
	SpaceCreated   Type = "space.created"
	SpaceDestroyed Type = "space.destroyed"
	SpaceSwitched  Type = "space.switched"
)

// Process and channel events
const (
	ProcessCreated       Type = "process.created"
	ProcessDestroyed     Type = "process.destroyed"
	ProcessHealthChanged Type = "process.health_changed"
	ProcessSuspended     Type = "process.suspended"
	ResourceAllocated    Type = "resource.allocated"
	ChannelCreated       Type = "channel.created"
	ChannelDestroyed     Type = "channel.destroyed"
	MemoryPressure       Type = "memory.pressure"
)

// Coordination events
const (
	ContextCreated      Type = "context.created"
	ContextUpdated      Type = "context.updated"
	ContextDeleted      Type = "context.deleted"
	ConflictDetected    Type = "conflict.detected"
	SessionCreated      Type = "session.created"
	SessionUpdated      Type = "session.updated"
	SessionEnded        Type = "session.ended"
	PermissionRequested Type = "permission.requested"
	PermissionGranted   Type = "permission.granted"
	PermissionRevoked   Type = "permission.revoked"
)

// Types returns every event type in a stable order.
func Types() []Type {
	return []Type{
		UnitCreated, UnitDestroyed, UnitSuspended, UnitRestored, UnitNavigated,
		UnitActivated, UnitUpdated, UnitContentReady, ActionRequested,
		GroupCreated, GroupDeleted, SpaceCreated, SpaceDestroyed, SpaceSwitched,
		ProcessCreated, ProcessDestroyed, ProcessHealthChanged, ProcessSuspended,
		ResourceAllocated, ChannelCreated, ChannelDestroyed, MemoryPressure,
		ContextCreated, ContextUpdated, ContextDeleted, ConflictDetected,
		SessionCreated, SessionUpdated, SessionEnded,
		PermissionRequested, PermissionGranted, PermissionRevoked,
	}
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case UnitCreated, UnitDestroyed, UnitSuspended, UnitRestored, UnitNavigated,
		UnitActivated, UnitUpdated, UnitContentReady, ActionRequested,
		GroupCreated, GroupDeleted, SpaceCreated, SpaceDestroyed, SpaceSwitched,
		ProcessCreated, ProcessDestroyed, ProcessHealthChanged, ProcessSuspended,
		ResourceAllocated, ChannelCreated, ChannelDestroyed, MemoryPressure,
		ContextCreated, ContextUpdated, ContextDeleted, ConflictDetected,
		SessionCreated, SessionUpdated, SessionEnded,
		PermissionRequested, PermissionGranted, PermissionRevoked:
		return true
	default:
		return false
	}
}

// Priority orders events for backpressure. Higher priorities survive
// queue overflow; Critical events are never shed.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Payload keys shared by publishers and projections.
const (
	KeyUnitID      = "unit_id"
	KeySpaceID     = "space_id"
	KeyGroupID     = "group_id"
	KeyProcessID   = "process_id"
	KeyChannelID   = "channel_id"
	KeyContextID   = "context_id"
	KeySessionID   = "session_id"
	KeyConflictID  = "conflict_id"
	KeyURL         = "url"
	KeyTitle       = "title"
	KeyName        = "name"
	KeyKind        = "kind"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyReason      = "reason"
	KeyKey         = "key"
	KeyVersion     = "version"
	KeyOwner       = "owner"
	KeyStatus      = "status"
	KeyField       = "field"
	KeyMethod      = "method"
	KeyMessageType = "message_type"
	KeyMemoryMB    = "memory_mb"
	KeyLimitMB     = "limit_mb"
	KeyCPUQuota    = "cpu_quota"
	KeyText        = "text"
	KeyHTML        = "html"
	KeyMetadata    = "metadata"
	KeyAction      = "action"
	KeyTarget      = "target"
	KeyParameters  = "parameters"
	KeyEndpoints   = "endpoints"
)

// Event is an immutable record of something that happened. The payload is
// unexported and only reachable through copying accessors, so a published
// event cannot be altered by any subscriber.
type Event struct {
	ID        string
	Type      Type
	Source    string
	Timestamp time.Time
	Priority  Priority
	// TTL, when positive, bounds how long after Timestamp processors may
	// still act on the event.
	TTL time.Duration

	payload map[string]any
}

// New creates an event of the given type. The payload map is copied.
// ID and Timestamp are assigned by the bus at publish time.
func New(t Type, source string, payload map[string]any) Event {
	return Event{
		Type:     t,
		Source:   source,
		Priority: PriorityNormal,
		payload:  maps.Clone(payload),
	}
}

// WithPriority returns a copy of e with the given priority.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// WithTTL returns a copy of e with the given time-to-live.
func (e Event) WithTTL(ttl time.Duration) Event {
	e.TTL = ttl
	return e
}

// Payload returns a copy of the event payload.
func (e Event) Payload() map[string]any {
	if e.payload == nil {
		return map[string]any{}
	}
	return maps.Clone(e.payload)
}

// Value returns a single payload value.
func (e Event) Value(key string) (any, bool) {
	v, ok := e.payload[key]
	return v, ok
}

// String returns a string payload value, or "" if absent or not a string.
func (e Event) String(key string) string {
	s, _ := e.payload[key].(string)
	return s
}

// Int returns an integer payload value, or 0 if absent or not numeric.
func (e Event) Int(key string) int64 {
	switch v := e.payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Expired reports whether the event's TTL has elapsed at now.
func (e Event) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.Timestamp) > e.TTL
}

// -----------------------------------------------------------------------------
// Unit Events
// -----------------------------------------------------------------------------

// NewUnitCreatedEvent creates a UnitCreated event.
func NewUnitCreatedEvent(source, unitID, spaceID, url, processID string) Event {
	return New(UnitCreated, source, map[string]any{
		KeyUnitID: unitID, KeySpaceID: spaceID, KeyURL: url, KeyProcessID: processID,
	})
}

// NewUnitDestroyedEvent creates a UnitDestroyed event.
func NewUnitDestroyedEvent(source, unitID, spaceID string) Event {
	return New(UnitDestroyed, source, map[string]any{KeyUnitID: unitID, KeySpaceID: spaceID})
}

// NewUnitSuspendedEvent creates a UnitSuspended event.
func NewUnitSuspendedEvent(source, unitID, reason string) Event {
	return New(UnitSuspended, source, map[string]any{KeyUnitID: unitID, KeyReason: reason})
}

// NewUnitRestoredEvent creates a UnitRestored event.
func NewUnitRestoredEvent(source, unitID, processID string) Event {
	return New(UnitRestored, source, map[string]any{KeyUnitID: unitID, KeyProcessID: processID})
}

// NewUnitNavigatedEvent creates a UnitNavigated event.
func NewUnitNavigatedEvent(source, unitID, url string) Event {
	return New(UnitNavigated, source, map[string]any{KeyUnitID: unitID, KeyURL: url})
}

// NewUnitActivatedEvent creates a UnitActivated event.
func NewUnitActivatedEvent(source, unitID, spaceID string) Event {
	return New(UnitActivated, source, map[string]any{KeyUnitID: unitID, KeySpaceID: spaceID})
}

// NewUnitUpdatedEvent creates a UnitUpdated event naming the changed field.
func NewUnitUpdatedEvent(source, unitID, field string) Event {
	return New(UnitUpdated, source, map[string]any{KeyUnitID: unitID, KeyField: field})
}

// NewUnitContentReadyEvent carries extracted content for the content provider.
func NewUnitContentReadyEvent(source, unitID, text, html string, metadata map[string]string) Event {
	return New(UnitContentReady, source, map[string]any{
		KeyUnitID: unitID, KeyText: text, KeyHTML: html, KeyMetadata: maps.Clone(metadata),
	})
}

// NewActionRequestedEvent asks the automation provider to execute an action.
func NewActionRequestedEvent(source, unitID, action, target string, params map[string]any) Event {
	return New(ActionRequested, source, map[string]any{
		KeyUnitID: unitID, KeyAction: action, KeyTarget: target, KeyParameters: maps.Clone(params),
	})
}

// -----------------------------------------------------------------------------
// Group and Space Events
// -----------------------------------------------------------------------------

// NewGroupCreatedEvent creates a GroupCreated event.
func NewGroupCreatedEvent(source, groupID, spaceID, name string) Event {
	return New(GroupCreated, source, map[string]any{KeyGroupID: groupID, KeySpaceID: spaceID, KeyName: name})
}

// NewGroupDeletedEvent creates a GroupDeleted event.
func NewGroupDeletedEvent(source, groupID, spaceID string) Event {
	return New(GroupDeleted, source, map[string]any{KeyGroupID: groupID, KeySpaceID: spaceID})
}

// NewSpaceCreatedEvent creates a SpaceCreated event.
func NewSpaceCreatedEvent(source, spaceID, name string) Event {
	return New(SpaceCreated, source, map[string]any{KeySpaceID: spaceID, KeyName: name})
}

// NewSpaceDestroyedEvent creates a SpaceDestroyed event.
func NewSpaceDestroyedEvent(source, spaceID string) Event {
	return New(SpaceDestroyed, source, map[string]any{KeySpaceID: spaceID})
}

// NewSpaceSwitchedEvent creates a SpaceSwitched event.
func NewSpaceSwitchedEvent(source, fromSpaceID, toSpaceID string) Event {
	return New(SpaceSwitched, source, map[string]any{KeyFrom: fromSpaceID, KeyTo: toSpaceID})
}

// -----------------------------------------------------------------------------
// Process and Channel Events
// -----------------------------------------------------------------------------

// NewProcessCreatedEvent creates a ProcessCreated event.
func NewProcessCreatedEvent(source, processID, kind string) Event {
	return New(ProcessCreated, source, map[string]any{KeyProcessID: processID, KeyKind: kind})
}

// NewProcessDestroyedEvent creates a ProcessDestroyed event.
func NewProcessDestroyedEvent(source, processID, reason string) Event {
	return New(ProcessDestroyed, source, map[string]any{KeyProcessID: processID, KeyReason: reason})
}

// NewProcessHealthChangedEvent reports a single health step. Transitions
// into the dead state are published at Critical priority, others at High.
func NewProcessHealthChangedEvent(source, processID, from, to string, dead bool) Event {
	p := PriorityHigh
	if dead {
		p = PriorityCritical
	}
	return New(ProcessHealthChanged, source, map[string]any{
		KeyProcessID: processID, KeyFrom: from, KeyTo: to,
	}).WithPriority(p)
}

// NewProcessSuspendedEvent creates a ProcessSuspended event.
func NewProcessSuspendedEvent(source, processID string, memoryMB int64) Event {
	return New(ProcessSuspended, source, map[string]any{KeyProcessID: processID, KeyMemoryMB: memoryMB})
}

// NewResourceAllocatedEvent creates a ResourceAllocated event.
func NewResourceAllocatedEvent(source, processID string, memoryLimitMB int64, cpuQuota float64) Event {
	return New(ResourceAllocated, source, map[string]any{
		KeyProcessID: processID, KeyLimitMB: memoryLimitMB, KeyCPUQuota: cpuQuota,
	})
}

// NewChannelCreatedEvent creates a ChannelCreated event.
func NewChannelCreatedEvent(source, channelID, name, kind string, endpoints []string) Event {
	return New(ChannelCreated, source, map[string]any{
		KeyChannelID: channelID, KeyName: name, KeyKind: kind, KeyEndpoints: slices.Clone(endpoints),
	}).WithPriority(PriorityLow)
}

// NewChannelDestroyedEvent creates a ChannelDestroyed event.
func NewChannelDestroyedEvent(source, channelID string) Event {
	return New(ChannelDestroyed, source, map[string]any{KeyChannelID: channelID}).WithPriority(PriorityLow)
}

// NewMemoryPressureEvent signals that total unit memory crossed the limit.
func NewMemoryPressureEvent(source string, totalMB, limitMB int64) Event {
	return New(MemoryPressure, source, map[string]any{
		KeyMemoryMB: totalMB, KeyLimitMB: limitMB,
	}).WithPriority(PriorityCritical)
}

// -----------------------------------------------------------------------------
// Coordination Events
// -----------------------------------------------------------------------------

// NewContextCreatedEvent creates a ContextCreated event.
func NewContextCreatedEvent(source, contextID, name, owner string) Event {
	return New(ContextCreated, source, map[string]any{KeyContextID: contextID, KeyName: name, KeyOwner: owner})
}

// NewContextUpdatedEvent reports a committed write.
func NewContextUpdatedEvent(source, contextID, key string, version uint64, by string) Event {
	return New(ContextUpdated, source, map[string]any{
		KeyContextID: contextID, KeyKey: key, KeyVersion: version, KeyUnitID: by,
	})
}

// NewContextDeletedEvent creates a ContextDeleted event.
func NewContextDeletedEvent(source, contextID string) Event {
	return New(ContextDeleted, source, map[string]any{KeyContextID: contextID})
}

// NewConflictDetectedEvent reports a conflict and how it was handled.
func NewConflictDetectedEvent(source, contextID, key, conflictID, method string) Event {
	return New(ConflictDetected, source, map[string]any{
		KeyContextID: contextID, KeyKey: key, KeyConflictID: conflictID, KeyMethod: method,
	}).WithPriority(PriorityHigh)
}

// NewSessionCreatedEvent creates a SessionCreated event.
func NewSessionCreatedEvent(source, sessionID, owner string) Event {
	return New(SessionCreated, source, map[string]any{KeySessionID: sessionID, KeyOwner: owner})
}

// NewSessionUpdatedEvent reports a membership or status change.
func NewSessionUpdatedEvent(source, sessionID, status, unitID, reason string) Event {
	return New(SessionUpdated, source, map[string]any{
		KeySessionID: sessionID, KeyStatus: status, KeyUnitID: unitID, KeyReason: reason,
	})
}

// NewSessionEndedEvent creates a SessionEnded event.
func NewSessionEndedEvent(source, sessionID, reason string) Event {
	return New(SessionEnded, source, map[string]any{KeySessionID: sessionID, KeyReason: reason})
}

// NewPermissionEvent creates one of the permission.* events.
func NewPermissionEvent(t Type, source, from, to, messageType string) Event {
	return New(t, source, map[string]any{KeyFrom: from, KeyTo: to, KeyMessageType: messageType})
}
