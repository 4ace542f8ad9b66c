package ipc

import (
	"maps"
	"slices"
	"time"
)

// Kind identifies the purpose of a channel.
type Kind string

const (
	// KindControl carries supervisor commands to a process.
	KindControl Kind = "control"
	// KindData carries unit-to-unit payloads.
	KindData Kind = "data"
	// KindEvent carries event notifications.
	KindEvent Kind = "event"
	// KindAutomation carries automation commands. Always secure.
	KindAutomation Kind = "automation"
)

// Valid reports whether k is a known channel kind.
func (k Kind) Valid() bool {
	switch k {
	case KindControl, KindData, KindEvent, KindAutomation:
		return true
	default:
		return false
	}
}

// Channel is a read-only snapshot of a registered channel.
type Channel struct {
	ID        string
	Name      string
	Kind      Kind
	Endpoints []string
	Secure    bool
	CreatedAt time.Time
}

// HasEndpoint reports whether name is one of the channel's endpoints.
func (c Channel) HasEndpoint(name string) bool {
	return slices.Contains(c.Endpoints, name)
}

// Message is a single unit of communication on a channel.
type Message struct {
	ID string
	// ChannelID pins the message to a channel. When empty the registry
	// resolves the channel from the From/To endpoint pair.
	ChannelID string
	From      string
	// To names the recipient endpoint. Empty means every endpoint of the
	// channel, which secure channels reject.
	To      string
	Type    string
	Payload map[string]any
	// RequiresResponse is set by Request.
	RequiresResponse bool
	// ReplyTo carries the id of the request this message answers.
	ReplyTo   string
	Timestamp time.Time
}

// IsReply reports whether m answers a request.
func (m Message) IsReply() bool {
	return m.ReplyTo != ""
}

func (m Message) clone() Message {
	m.Payload = maps.Clone(m.Payload)
	return m
}

// Stats is a point-in-time snapshot of registry counters.
type Stats struct {
	Channels        int
	Subscriptions   int
	PendingRequests int
	Sent            uint64
	Delivered       uint64
	Dropped         uint64
	HandlerFailures uint64
}
