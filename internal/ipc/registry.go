package ipc

import (
	"context"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/event"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

const (
	defaultBuffer         = 256
	defaultRequestTimeout = 5 * time.Second

	source = "ipc"
)

// Handler receives messages dispatched on a channel.
type Handler func(ctx context.Context, msg Message)

// Subscription is a registered channel handler.
type Subscription struct {
	id        string
	channelID string
	handler   Handler
	registry  *Registry
	cancelled atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// ChannelID returns the channel the subscription is attached to.
func (s *Subscription) ChannelID() string { return s.channelID }

// Cancel stops future deliveries. A delivery already dispatched to the
// handler is not retracted.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.registry.removeSubscription(s)
}

// channel is the live state behind a Channel snapshot.
type channel struct {
	info  Channel
	queue chan Message
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	subs    []*Subscription
	pending map[string]chan Message
	wg      sync.WaitGroup
}

func (c *channel) snapshotSubs() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

// Registry owns every channel. All methods are safe for concurrent use.
type Registry struct {
	bus            *event.Bus
	logger         *logging.Logger
	buffer         int
	requestTimeout time.Duration

	mu       sync.RWMutex
	channels map[string]*channel
	// pairs indexes channel ids by unordered endpoint pair, oldest first.
	pairs map[pairKey][]string

	sent            atomic.Uint64
	delivered       atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{x, y}
}

// NewRegistry creates an empty channel registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:         logging.NopLogger(),
		buffer:         defaultBuffer,
		requestTimeout: defaultRequestTimeout,
		channels:       make(map[string]*channel),
		pairs:          make(map[pairKey][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("ipc")
	return r
}

// -----------------------------------------------------------------------------
// Channel lifecycle
// -----------------------------------------------------------------------------

// CreateChannel registers a channel between endpoints. At least two
// distinct endpoints are required. Automation channels are always secure.
func (r *Registry) CreateChannel(ctx context.Context, name string, kind Kind, endpoints []string) (Channel, error) {
	return r.create(ctx, name, kind, endpoints, false)
}

// CreateSecureChannel is CreateChannel with the secure flag set.
func (r *Registry) CreateSecureChannel(ctx context.Context, name string, kind Kind, endpoints []string) (Channel, error) {
	return r.create(ctx, name, kind, endpoints, true)
}

func (r *Registry) create(ctx context.Context, name string, kind Kind, endpoints []string, secure bool) (Channel, error) {
	if !kind.Valid() {
		return Channel{}, errors.NewValidationError("unknown channel kind").WithField("kind").WithValue(kind)
	}
	uniq := dedupe(endpoints)
	if len(uniq) < 2 {
		return Channel{}, errors.NewValidationError("a channel needs at least two endpoints").
			WithField("endpoints").WithValue(len(uniq)).WithCause(errors.ErrInvalidEndpoints)
	}

	info := Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		Endpoints: uniq,
		Secure:    secure || kind == KindAutomation,
		CreatedAt: time.Now(),
	}
	ch := &channel{
		info:    info,
		queue:   make(chan Message, r.buffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan Message),
	}

	r.mu.Lock()
	r.channels[info.ID] = ch
	for i := 0; i < len(uniq); i++ {
		for j := i + 1; j < len(uniq); j++ {
			k := newPairKey(uniq[i], uniq[j])
			r.pairs[k] = append(r.pairs[k], info.ID)
		}
	}
	r.mu.Unlock()

	ch.wg.Add(1)
	go r.run(ch)

	r.logger.Debug("channel created", "channel_id", info.ID, "name", name, "kind", string(kind))
	r.publish(ctx, event.NewChannelCreatedEvent(source, info.ID, name, string(kind), slices.Clone(uniq)))
	return cloneChannel(info), nil
}

// Ensure returns the oldest channel of the given kind connecting a and b,
// creating one when none exists.
func (r *Registry) Ensure(ctx context.Context, name string, kind Kind, a, b string) (Channel, error) {
	r.mu.RLock()
	for _, id := range r.pairs[newPairKey(a, b)] {
		if ch := r.channels[id]; ch != nil && ch.info.Kind == kind {
			r.mu.RUnlock()
			return cloneChannel(ch.info), nil
		}
	}
	r.mu.RUnlock()
	return r.CreateChannel(ctx, name, kind, []string{a, b})
}

// DestroyChannel closes a channel, cancels its subscriptions and fails any
// outstanding requests with ErrChannelClosed. Destroying an unknown or
// already destroyed channel returns NotFound.
func (r *Registry) DestroyChannel(ctx context.Context, id string) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewNotFoundError("channel", id)
	}
	delete(r.channels, id)
	eps := ch.info.Endpoints
	for i := 0; i < len(eps); i++ {
		for j := i + 1; j < len(eps); j++ {
			k := newPairKey(eps[i], eps[j])
			ids := slices.DeleteFunc(r.pairs[k], func(s string) bool { return s == id })
			if len(ids) == 0 {
				delete(r.pairs, k)
			} else {
				r.pairs[k] = ids
			}
		}
	}
	r.mu.Unlock()

	ch.mu.Lock()
	ch.closed = true
	subs := ch.subs
	ch.subs = nil
	ch.pending = make(map[string]chan Message)
	ch.mu.Unlock()
	for _, s := range subs {
		s.cancelled.Store(true)
	}
	close(ch.done)

	r.logger.Debug("channel destroyed", "channel_id", id)
	r.publish(ctx, event.NewChannelDestroyedEvent(source, id))
	return nil
}

// CloseEndpoint destroys every channel that includes endpoint and returns
// how many were destroyed.
func (r *Registry) CloseEndpoint(ctx context.Context, endpoint string) int {
	r.mu.RLock()
	var ids []string
	for id, ch := range r.channels {
		if ch.info.HasEndpoint(endpoint) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.DestroyChannel(ctx, id) == nil {
			n++
		}
	}
	return n
}

// Close destroys every channel and waits for their dispatchers to exit.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels))
	all := make([]*channel, 0, len(r.channels))
	for id, ch := range r.channels {
		ids = append(ids, id)
		all = append(all, ch)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.DestroyChannel(ctx, id)
	}
	for _, ch := range all {
		ch.wg.Wait()
	}
}

// -----------------------------------------------------------------------------
// Lookup
// -----------------------------------------------------------------------------

// Get returns a snapshot of the channel with the given id.
func (r *Registry) Get(id string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return Channel{}, errors.NewNotFoundError("channel", id)
	}
	return cloneChannel(ch.info), nil
}

// Lookup returns the oldest channel connecting a and b.
func (r *Registry) Lookup(a, b string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.pairs[newPairKey(a, b)] {
		if ch := r.channels[id]; ch != nil {
			return cloneChannel(ch.info), true
		}
	}
	return Channel{}, false
}

// List returns every channel, oldest first.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, cloneChannel(ch.info))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Subscribe attaches handler to a channel. Every subscriber receives its
// own copy of each message.
func (r *Registry) Subscribe(channelID string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.NewValidationError("handler cannot be nil").WithField("handler")
	}
	ch, err := r.lookupLive(channelID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{id: uuid.NewString(), channelID: channelID, handler: handler, registry: r}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, errors.NewChannelClosedError(channelID)
	}
	ch.subs = append(ch.subs, sub)
	return sub, nil
}

func (r *Registry) removeSubscription(s *Subscription) {
	r.mu.RLock()
	ch, ok := r.channels[s.channelID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.subs = slices.DeleteFunc(ch.subs, func(x *Subscription) bool { return x == s })
	ch.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Sending
// -----------------------------------------------------------------------------

// Send routes msg onto its channel and returns once it is queued. Delivery
// is asynchronous and ordered per channel.
func (r *Registry) Send(ctx context.Context, msg Message) error {
	ch, msg, err := r.prepare(msg)
	if err != nil {
		return err
	}
	return r.enqueue(ctx, ch, msg)
}

// Request sends msg and waits for the correlated reply. A zero timeout uses
// the registry default.
func (r *Registry) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = r.requestTimeout
	}
	msg.RequiresResponse = true
	msg.ReplyTo = ""
	ch, msg, err := r.prepare(msg)
	if err != nil {
		return Message{}, err
	}

	waiter := make(chan Message, 1)
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return Message{}, errors.NewChannelClosedError(ch.info.ID)
	}
	ch.pending[msg.ID] = waiter
	ch.mu.Unlock()

	cleanup := func() {
		ch.mu.Lock()
		delete(ch.pending, msg.ID)
		ch.mu.Unlock()
	}

	if err := r.enqueue(ctx, ch, msg); err != nil {
		cleanup()
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-ch.done:
		return Message{}, errors.NewChannelClosedError(ch.info.ID)
	case <-timer.C:
		cleanup()
		return Message{}, errors.NewTimeoutError("waiting for response to "+msg.ID, timeout).
			WithCause(errors.ErrResponseTimeout)
	case <-ctx.Done():
		cleanup()
		return Message{}, errors.NewTimeoutError("waiting for response to "+msg.ID, timeout).
			WithCause(ctx.Err())
	}
}

// Reply answers req on the channel it arrived on.
func (r *Registry) Reply(ctx context.Context, req Message, payload map[string]any) error {
	if req.ID == "" {
		return errors.NewValidationError("request has no id").WithField("id")
	}
	return r.Send(ctx, Message{
		ChannelID: req.ChannelID,
		From:      req.To,
		To:        req.From,
		Type:      req.Type,
		Payload:   payload,
		ReplyTo:   req.ID,
	})
}

// prepare resolves the channel and stamps the message.
func (r *Registry) prepare(msg Message) (*channel, Message, error) {
	if msg.From == "" {
		return nil, msg, errors.NewValidationError("sender cannot be empty").WithField("from")
	}

	var ch *channel
	if msg.ChannelID != "" {
		c, err := r.lookupLive(msg.ChannelID)
		if err != nil {
			return nil, msg, err
		}
		ch = c
	} else {
		if msg.To == "" {
			return nil, msg, errors.NewValidationError("recipient or channel required").WithField("to")
		}
		r.mu.RLock()
		for _, id := range r.pairs[newPairKey(msg.From, msg.To)] {
			if c := r.channels[id]; c != nil {
				ch = c
				break
			}
		}
		r.mu.RUnlock()
		if ch == nil {
			return nil, msg, errors.Wrapf(errors.NewNotFoundError("channel", msg.From+"<->"+msg.To).
				WithCause(errors.ErrNoChannel), "sending %s", msg.Type)
		}
	}

	if !ch.info.HasEndpoint(msg.From) {
		return nil, msg, errors.NewPermissionDeniedError(msg.From, "send on", "channel "+ch.info.ID)
	}
	if msg.To != "" && !ch.info.HasEndpoint(msg.To) {
		return nil, msg, errors.NewValidationError("recipient is not an endpoint of the channel").
			WithField("to").WithValue(msg.To)
	}
	if ch.info.Secure && msg.To == "" {
		return nil, msg, errors.NewPermissionDeniedError(msg.From, "broadcast on", "secure channel "+ch.info.ID)
	}

	msg.ChannelID = ch.info.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg = msg.clone()
	return ch, msg, nil
}

func (r *Registry) enqueue(ctx context.Context, ch *channel, msg Message) error {
	select {
	case <-ch.done:
		return errors.NewChannelClosedError(ch.info.ID)
	default:
	}
	select {
	case ch.queue <- msg:
		r.sent.Add(1)
		return nil
	case <-ch.done:
		return errors.NewChannelClosedError(ch.info.ID)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sending on channel "+ch.info.ID)
	}
}

func (r *Registry) lookupLive(id string) (*channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, errors.NewNotFoundError("channel", id)
	}
	return ch, nil
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// run is the per-channel dispatcher. Messages left in the queue when the
// channel is destroyed are dropped.
func (r *Registry) run(ch *channel) {
	defer ch.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-ch.done:
			r.dropped.Add(uint64(len(ch.queue)))
			return
		case msg := <-ch.queue:
			r.dispatch(ctx, ch, msg)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, ch *channel, msg Message) {
	if msg.IsReply() {
		ch.mu.Lock()
		waiter, ok := ch.pending[msg.ReplyTo]
		delete(ch.pending, msg.ReplyTo)
		ch.mu.Unlock()
		if ok {
			waiter <- msg.clone()
		}
	}

	for _, sub := range ch.snapshotSubs() {
		if sub.cancelled.Load() {
			continue
		}
		if r.safeCall(ctx, sub, msg.clone()) {
			r.delivered.Add(1)
		}
	}
}

func (r *Registry) safeCall(ctx context.Context, sub *Subscription, msg Message) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerFailures.Add(1)
			r.logger.Error("channel handler panicked",
				"channel_id", msg.ChannelID,
				"message_id", msg.ID,
				"subscription_id", sub.id,
				"panic", p,
				"stack", string(debug.Stack()))
			ok = false
		}
	}()
	sub.handler(ctx, msg)
	return true
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	s := Stats{
		Channels:        len(chans),
		Sent:            r.sent.Load(),
		Delivered:       r.delivered.Load(),
		Dropped:         r.dropped.Load(),
		HandlerFailures: r.handlerFailures.Load(),
	}
	for _, ch := range chans {
		ch.mu.Lock()
		s.Subscriptions += len(ch.subs)
		s.PendingRequests += len(ch.pending)
		ch.mu.Unlock()
	}
	return s
}

func (r *Registry) publish(ctx context.Context, e event.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, e); err != nil {
		r.logger.Debug("event not published", "event_type", string(e.Type), "error", err)
	}
}

func cloneChannel(c Channel) Channel {
	c.Endpoints = slices.Clone(c.Endpoints)
	return c
}

func dedupe(endpoints []string) []string {
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}
