package coordination

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/ipc"
	"github.com/Iron-Ham/switchyard/internal/logging"
	"github.com/Iron-Ham/switchyard/internal/unit"
)

const source = "coordinator"

// AnyUnit as the recipient of a grant matches every unit.
const AnyUnit = "*"

// Endpoint returns the channel endpoint name of a unit.
func Endpoint(unitID string) string {
	return "unit-" + unitID
}

// Units is the part of the unit manager the coordinator needs.
type Units interface {
	Get(id string) (unit.Unit, error)
	List() []unit.Unit
}

// Handler receives messages addressed to a unit.
type Handler func(ctx context.Context, msg Message)

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{x, y}
}

type connection struct {
	channelID  string
	sub        *ipc.Subscription
	state      ConnectionState
	lastActive time.Time
}

type grantKey struct{ from, to string }

type grant struct {
	pattern string
	g       glob.Glob
}

// Coordinator routes messages between units and owns shared contexts and
// collaboration sessions. All methods are safe for concurrent use.
type Coordinator struct {
	channels *ipc.Registry
	units    Units
	bus      *event.Bus
	logger   *logging.Logger
	cfg      Config

	mu        sync.Mutex
	contexts  map[string]*contextRec
	sessions  map[string]*sessionRec
	conflicts []ConflictRecord
	grants    map[grantKey][]grant
	pending   []PermissionRequest
	log       []Message
	conns     map[pairKey]*connection
	inboxes   map[string]map[uint64]Handler
	inboxSeq  uint64

	// linkMu serializes channel establishment so a pair gets one channel.
	linkMu sync.Mutex

	sent      atomic.Uint64
	denied    atomic.Uint64
	delivered atomic.Uint64

	destroyedSub *event.Subscription

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Coordinator that sends over channels. units resolves
// recipients and broadcast targets.
func New(channels *ipc.Registry, units Units, opts ...Option) *Coordinator {
	c := &Coordinator{
		channels: channels,
		units:    units,
		logger:   logging.NopLogger(),
		cfg:      DefaultConfig(),
		contexts: make(map[string]*contextRec),
		sessions: make(map[string]*sessionRec),
		grants:   make(map[grantKey][]grant),
		conns:    make(map[pairKey]*connection),
		inboxes:  make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("coordinator")

	if c.bus != nil {
		sub, err := c.bus.Subscribe(event.Filter{Types: []event.Type{event.UnitDestroyed}}, c.onUnitDestroyed)
		if err != nil {
			c.logger.Warn("unit.destroyed subscription failed", "error", err)
		}
		c.destroyedSub = sub
	}
	return c
}

// Config returns the active settings.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Close stops the cleanup loop and detaches from the bus and every
// channel. Channels themselves are left to the registry.
func (c *Coordinator) Close() {
	c.Stop()
	if c.destroyedSub != nil {
		c.destroyedSub.Cancel()
	}
	c.mu.Lock()
	var subs []*ipc.Subscription
	for _, conn := range c.conns {
		if conn.sub != nil {
			subs = append(subs, conn.sub)
		}
	}
	c.conns = make(map[pairKey]*connection)
	c.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

// -----------------------------------------------------------------------------
// Messaging
// -----------------------------------------------------------------------------

// Listen registers h for messages addressed to unitID. The returned func
// removes it.
func (c *Coordinator) Listen(unitID string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inboxSeq++
	id := c.inboxSeq
	if c.inboxes[unitID] == nil {
		c.inboxes[unitID] = make(map[uint64]Handler)
	}
	c.inboxes[unitID][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.inboxes[unitID], id)
		if len(c.inboxes[unitID]) == 0 {
			delete(c.inboxes, unitID)
		}
	}
}

func (c *Coordinator) validate(msg Message) (Message, error) {
	if !msg.Type.Valid() {
		return msg, errors.NewValidationError("unknown message type").WithField("type").WithValue(msg.Type)
	}
	if msg.From == "" {
		return msg, errors.NewValidationError("sender cannot be empty").WithField("from")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.Payload = maps.Clone(msg.Payload)
	return msg, nil
}

// Send delivers msg from one unit to another over their data channel,
// creating the channel on first use. The sender must be permitted to
// send the message type to the recipient.
func (c *Coordinator) Send(ctx context.Context, msg Message) error {
	msg, err := c.validate(msg)
	if err != nil {
		return err
	}
	if msg.To == "" || msg.To == msg.From {
		return errors.NewValidationError("recipient must be another unit").WithField("to").WithValue(msg.To)
	}
	if !c.CheckPermission(msg.From, msg.To, msg.Type) {
		c.denied.Add(1)
		return errors.NewPermissionDeniedError(msg.From, "send "+string(msg.Type)+" to", msg.To)
	}
	if c.units != nil {
		if _, err := c.units.Get(msg.To); err != nil {
			return err
		}
	}
	return c.transmit(ctx, msg)
}

// Broadcast sends msg to every non-suspended unit except the sender and
// returns how many units it reached. Recipients the sender may not
// message are skipped.
func (c *Coordinator) Broadcast(ctx context.Context, msg Message) (int, error) {
	msg, err := c.validate(msg)
	if err != nil {
		return 0, err
	}
	if c.units == nil {
		return 0, errors.NewInvalidStateError("coordinator", "", "broadcast needs a unit directory")
	}

	var (
		n    int
		errs []error
	)
	for _, u := range c.units.List() {
		if u.ID == msg.From || u.Suspended {
			continue
		}
		if !c.CheckPermission(msg.From, u.ID, msg.Type) {
			c.denied.Add(1)
			continue
		}
		m := msg
		m.ID = uuid.NewString()
		m.To = u.ID
		if err := c.transmit(ctx, m); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// transmit sends over the pair's channel. A channel closed underneath a
// send, for example by a cleanup sweep, is replaced once.
func (c *Coordinator) transmit(ctx context.Context, msg Message) error {
	for attempt := 0; ; attempt++ {
		chID, err := c.link(ctx, msg.From, msg.To)
		if err != nil {
			return err
		}
		err = c.channels.Send(ctx, ipc.Message{
			ID:        msg.ID,
			ChannelID: chID,
			From:      Endpoint(msg.From),
			To:        Endpoint(msg.To),
			Type:      string(msg.Type),
			Payload:   msg.Payload,
			Timestamp: msg.Timestamp,
		})
		if err == nil {
			c.sent.Add(1)
			c.record(msg)
			c.touch(msg.From)
			return nil
		}
		if attempt == 0 && (errors.Is(err, errors.ErrChannelClosed) || errors.Is(err, errors.ErrNotFound)) {
			c.unlink(newPairKey(msg.From, msg.To), chID)
			continue
		}
		return errors.Wrapf(err, "sending %s to %s", msg.Type, msg.To)
	}
}

// link returns the connected channel for a unit pair, creating and
// subscribing to one when needed.
func (c *Coordinator) link(ctx context.Context, from, to string) (string, error) {
	c.linkMu.Lock()
	defer c.linkMu.Unlock()

	key := newPairKey(from, to)
	c.mu.Lock()
	if conn := c.conns[key]; conn != nil && conn.state == Connected {
		conn.lastActive = time.Now()
		id := conn.channelID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	ch, err := c.channels.Ensure(ctx, "units:"+key.a+":"+key.b, ipc.KindData, Endpoint(key.a), Endpoint(key.b))
	if err != nil {
		return "", err
	}
	sub, err := c.channels.Subscribe(ch.ID, c.deliver)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.conns[key] = &connection{channelID: ch.ID, sub: sub, state: Connected, lastActive: time.Now()}
	c.mu.Unlock()
	c.logger.Debug("units linked", "a", key.a, "b", key.b, "channel_id", ch.ID)
	return ch.ID, nil
}

func (c *Coordinator) unlink(key pairKey, channelID string) {
	c.mu.Lock()
	conn := c.conns[key]
	if conn == nil || conn.channelID != channelID {
		c.mu.Unlock()
		return
	}
	delete(c.conns, key)
	c.mu.Unlock()
	if conn.sub != nil {
		conn.sub.Cancel()
	}
}

// deliver runs on the channel's dispatcher goroutine, so messages from
// one sender arrive in send order.
func (c *Coordinator) deliver(ctx context.Context, m ipc.Message) {
	msg := Message{
		ID:        m.ID,
		From:      unitOf(m.From),
		To:        unitOf(m.To),
		Type:      MessageType(m.Type),
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
	}
	c.mu.Lock()
	handlers := slices.Collect(maps.Values(c.inboxes[msg.To]))
	if conn := c.conns[newPairKey(msg.From, msg.To)]; conn != nil {
		conn.lastActive = time.Now()
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	c.delivered.Add(1)
}

func unitOf(endpoint string) string {
	return strings.TrimPrefix(endpoint, Endpoint(""))
}

func (c *Coordinator) record(msg Message) {
	if c.cfg.MessageLogSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, msg)
	if over := len(c.log) - c.cfg.MessageLogSize; over > 0 {
		c.log = slices.Delete(c.log, 0, over)
	}
}

// Messages returns up to limit of the most recently sent messages, oldest
// first. A non-empty unitID keeps only messages from or to that unit; a
// non-positive limit returns everything logged.
func (c *Coordinator) Messages(unitID string, limit int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.log {
		if unitID == "" || m.From == unitID || m.To == unitID {
			m.Payload = maps.Clone(m.Payload)
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// fanOut sends a coordinator notice to each recipient. Failures are
// logged; the state change that caused the notice is already committed.
func (c *Coordinator) fanOut(ctx context.Context, from string, to []string, t MessageType, payload map[string]any) {
	for _, id := range to {
		if id == from {
			continue
		}
		err := c.Send(ctx, Message{From: from, To: id, Type: t, Payload: payload})
		if err != nil {
			c.logger.Debug("notice not delivered", "type", t, "from", from, "to", id, "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Permissions
// -----------------------------------------------------------------------------

// CheckPermission reports whether from may send messages of type t to
// to. Coordination notices are always allowed; anything else needs a
// matching grant for the recipient or for AnyUnit.
func (c *Coordinator) CheckPermission(from, to string, t MessageType) bool {
	if !t.Valid() {
		return false
	}
	if defaultAllowed[t] {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grantedLocked(from, to, t)
}

func (c *Coordinator) grantedLocked(from, to string, t MessageType) bool {
	for _, k := range []grantKey{{from, to}, {from, AnyUnit}} {
		for _, g := range c.grants[k] {
			if g.g.Match(string(t)) {
				return true
			}
		}
	}
	return false
}

// GrantPermission lets from send message types matching pattern to to.
// The pattern is a glob such as "content_*". Pending requests the grant
// satisfies are cleared.
func (c *Coordinator) GrantPermission(ctx context.Context, from, to, pattern string) error {
	if from == "" || to == "" {
		return errors.NewValidationError("grant needs both units").WithField("from")
	}
	g, err := glob.Compile(pattern)
	if pattern == "" || err != nil {
		return errors.NewValidationError("invalid message type pattern").
			WithField("pattern").WithValue(pattern).WithCause(err)
	}

	c.mu.Lock()
	k := grantKey{from, to}
	if slices.ContainsFunc(c.grants[k], func(x grant) bool { return x.pattern == pattern }) {
		c.mu.Unlock()
		return nil
	}
	c.grants[k] = append(c.grants[k], grant{pattern: pattern, g: g})
	c.pending = slices.DeleteFunc(c.pending, func(r PermissionRequest) bool {
		return r.From == from && (to == AnyUnit || r.To == to) && g.Match(string(r.MessageType))
	})
	c.mu.Unlock()

	c.logger.Info("permission granted", "from", from, "to", to, "pattern", pattern)
	c.publish(ctx, event.NewPermissionEvent(event.PermissionGranted, source, from, to, pattern))
	return nil
}

// RevokePermission removes a grant made with exactly the same pattern.
func (c *Coordinator) RevokePermission(ctx context.Context, from, to, pattern string) error {
	c.mu.Lock()
	k := grantKey{from, to}
	i := slices.IndexFunc(c.grants[k], func(x grant) bool { return x.pattern == pattern })
	if i < 0 {
		c.mu.Unlock()
		return errors.NewNotFoundError("grant", from+"->"+to+":"+pattern)
	}
	c.grants[k] = slices.Delete(c.grants[k], i, i+1)
	if len(c.grants[k]) == 0 {
		delete(c.grants, k)
	}
	c.mu.Unlock()

	c.logger.Info("permission revoked", "from", from, "to", to, "pattern", pattern)
	c.publish(ctx, event.NewPermissionEvent(event.PermissionRevoked, source, from, to, pattern))
	return nil
}

// RequestPermission asks the recipient for leave to send it messages of type t.
// It only notifies the recipient and records the request; nothing is
// granted until GrantPermission is called.
func (c *Coordinator) RequestPermission(ctx context.Context, from, to string, t MessageType) (PermissionRequest, error) {
	if !t.Valid() {
		return PermissionRequest{}, errors.NewValidationError("unknown message type").WithField("type").WithValue(t)
	}
	if c.CheckPermission(from, to, t) {
		return PermissionRequest{}, errors.NewInvalidStateError("permission", from+"->"+to, "already permitted").
			WithState(string(t))
	}

	c.mu.Lock()
	for _, r := range c.pending {
		if r.From == from && r.To == to && r.MessageType == t {
			c.mu.Unlock()
			return r, nil
		}
	}
	req := PermissionRequest{ID: uuid.NewString(), From: from, To: to, MessageType: t, RequestedAt: time.Now()}
	c.pending = append(c.pending, req)
	c.mu.Unlock()

	err := c.Send(ctx, Message{
		From:    from,
		To:      to,
		Type:    MessagePermissionRequest,
		Payload: map[string]any{"request_id": req.ID, "message_type": string(t)},
	})
	if err != nil {
		c.mu.Lock()
		c.pending = slices.DeleteFunc(c.pending, func(r PermissionRequest) bool { return r.ID == req.ID })
		c.mu.Unlock()
		return PermissionRequest{}, err
	}
	c.publish(ctx, event.NewPermissionEvent(event.PermissionRequested, source, from, to, string(t)))
	return req, nil
}

// PendingPermissionRequests lists ungranted requests addressed to to, or
// every pending request when to is empty.
func (c *Coordinator) PendingPermissionRequests(to string) []PermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PermissionRequest
	for _, r := range c.pending {
		if to == "" || r.To == to {
			out = append(out, r)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Connections returns every tracked unit pair, sorted.
func (c *Coordinator) Connections() []Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Connection, 0, len(c.conns))
	for k, conn := range c.conns {
		out = append(out, Connection{
			A:          k.a,
			B:          k.b,
			ChannelID:  conn.channelID,
			State:      conn.state,
			LastActive: conn.lastActive,
		})
	}
	slices.SortFunc(out, func(x, y Connection) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	return out
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Contexts:        len(c.contexts),
		Sessions:        len(c.sessions),
		Connections:     len(c.conns),
		PendingRequests: len(c.pending),
		Conflicts:       len(c.conflicts),
		Sent:            c.sent.Load(),
		Denied:          c.denied.Load(),
		Delivered:       c.delivered.Load(),
	}
	for _, gs := range c.grants {
		st.Grants += len(gs)
	}
	for _, s := range c.sessions {
		if s.s.Status == SessionActive {
			st.ActiveSessions++
		}
	}
	return st
}

// -----------------------------------------------------------------------------
// Unit departure
// -----------------------------------------------------------------------------

func (c *Coordinator) onUnitDestroyed(ctx context.Context, e event.Event) {
	c.forgetUnit(ctx, e.String(event.KeyUnitID))
}

// forgetUnit removes a destroyed unit from every context, session, grant
// and connection. Context ownership passes to the next admin, or the next
// participant when there is no admin.
func (c *Coordinator) forgetUnit(ctx context.Context, unitID string) {
	if unitID == "" {
		return
	}
	var (
		events []event.Event
		subs   []*ipc.Subscription
	)
	c.mu.Lock()
	for _, rec := range c.contexts {
		if !rec.isParticipant(unitID) {
			continue
		}
		if rec.sc.Owner == unitID {
			rec.sc.Owner = rec.successor(unitID)
			if rec.sc.Owner != "" {
				rec.grant(rec.sc.Owner, AccessAdmin)
			}
		}
		rec.drop(unitID)
	}
	for _, s := range c.sessions {
		if s.s.Status != SessionEnded && s.index(unitID) >= 0 {
			events = append(events, c.leaveLocked(s, unitID, "unit destroyed")...)
		}
	}
	for k := range c.grants {
		if k.from == unitID || k.to == unitID {
			delete(c.grants, k)
		}
	}
	c.pending = slices.DeleteFunc(c.pending, func(r PermissionRequest) bool {
		return r.From == unitID || r.To == unitID
	})
	for k, conn := range c.conns {
		if k.a == unitID || k.b == unitID {
			if conn.sub != nil {
				subs = append(subs, conn.sub)
			}
			delete(c.conns, k)
		}
	}
	delete(c.inboxes, unitID)
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	c.channels.CloseEndpoint(ctx, Endpoint(unitID))
	for _, e := range events {
		c.publish(ctx, e)
	}
	c.logger.Debug("unit removed from coordination", "unit_id", unitID)
}

func (c *Coordinator) publish(ctx context.Context, e event.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, e); err != nil {
		c.logger.Warn("failed to publish event", "type", e.Type, "error", err)
	}
}
