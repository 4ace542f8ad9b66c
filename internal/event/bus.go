package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/switchyard/internal/errors"
	"github.com/Iron-Ham/switchyard/internal/logging"
)

// Handler receives events synchronously from Publish. The context carries
// the dispatch state of the publishing call, so a handler that publishes
// with it has its events queued behind the current one instead of
// recursing.
type Handler func(ctx context.Context, e Event)

// Processor derives state from the event stream on the bus's background
// loop. Delivery may be delayed, duplicated across restarts, or observed
// out of order across publishers, so Process must be idempotent.
type Processor interface {
	Name() string
	CanProcess(e Event) bool
	Process(ctx context.Context, e Event) error
}

// Journal durably records published events. It is optional.
type Journal interface {
	Append(ctx context.Context, e Event) error
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published       uint64
	Delivered       uint64
	Processed       uint64
	Shed            uint64
	Expired         uint64
	HandlerFailures uint64
	QueueDepth      int
	Subscribers     int
	Processors      int
}

// Subscription is a registered live handler.
type Subscription struct {
	id        string
	matcher   *Matcher
	handler   Handler
	bus       *Bus
	cancelled atomic.Bool
}

// ID returns the subscription id accepted by Bus.Unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Cancel stops future deliveries. A delivery already in progress completes.
func (s *Subscription) Cancel() { s.bus.Unsubscribe(s.id) }

// dispatchKey scopes dispatch frames to a single bus.
type dispatchKey struct{ bus *Bus }

// dispatchFrame is the pending queue of one outermost Publish call.
type dispatchFrame struct {
	mu      sync.Mutex
	pending []Event
	done    bool
}

// push queues e unless the frame has already finished.
func (f *dispatchFrame) push(e Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	f.pending = append(f.pending, e)
	return true
}

func (f *dispatchFrame) pop() (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		f.done = true
		return Event{}, false
	}
	e := f.pending[0]
	f.pending = f.pending[1:]
	return e, true
}

// Bus is the system-wide publish/subscribe hub.
//
// Publish delivers to live subscribers synchronously and then enqueues the
// event into a bounded FIFO drained by a background loop that feeds the
// registered Processors. A faulty handler or processor is logged and never
// stops delivery to the others.
type Bus struct {
	logger     *logging.Logger
	journal    Journal
	queueSize  int
	batchSize  int
	tick       time.Duration
	logEnabled bool
	logSize    int

	mu         sync.RWMutex
	subs       []*Subscription
	processors []Processor

	qmu   sync.Mutex
	queue []Event

	ringMu   sync.Mutex
	ring     []Event
	ringNext int

	published       atomic.Uint64
	delivered       atomic.Uint64
	processed       atomic.Uint64
	shed            atomic.Uint64
	expired         atomic.Uint64
	handlerFailures atomic.Uint64

	lifeMu  sync.Mutex
	running bool
	closed  atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	flushCh chan chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithJournal mirrors every published event into j.
func WithJournal(j Journal) Option {
	return func(b *Bus) { b.journal = j }
}

// WithQueueSize bounds the processor queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithBatchSize bounds the number of events processed per tick.
func WithBatchSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithTickInterval sets the background loop cadence.
func WithTickInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.tick = d
		}
	}
}

// WithHistory keeps the last n published events in memory for History.
// A non-positive n disables the log.
func WithHistory(n int) Option {
	return func(b *Bus) {
		b.logEnabled = n > 0
		b.logSize = n
	}
}

// NewBus creates a bus. The background loop is not running until Start.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:     logging.NopLogger(),
		queueSize:  10000,
		batchSize:  256,
		tick:       10 * time.Millisecond,
		logEnabled: true,
		logSize:    1000,
		flushCh:    make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logEnabled {
		b.ring = make([]Event, 0, b.logSize)
	}
	return b
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Subscribe registers a live handler for events matching filter. Handlers
// run in subscription order on the publishing goroutine.
func (b *Bus) Subscribe(filter Filter, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.NewValidationError("handler is required").WithField("handler")
	}
	m, err := filter.Compile()
	if err != nil {
		return nil, err
	}

	sub := &Subscription{id: uuid.NewString(), matcher: m, handler: handler, bus: b}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// SubscribeAll registers a live handler for every event.
func (b *Bus) SubscribeAll(handler Handler) (*Subscription, error) {
	return b.Subscribe(Filter{}, handler)
}

// Unsubscribe removes a subscription by id.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			sub.cancelled.Store(true)
			b.subs = slices.Delete(b.subs, i, i+1)
			return true
		}
	}
	return false
}

// RegisterProcessor adds a processor. Names must be unique.
func (b *Bus) RegisterProcessor(p Processor) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.processors {
		if existing.Name() == p.Name() {
			return errors.NewValidationError("processor already registered").WithField("name").WithValue(p.Name())
		}
	}
	b.processors = append(b.processors, p)
	return nil
}

// UnregisterProcessor removes a processor by name.
func (b *Bus) UnregisterProcessor(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.processors {
		if p.Name() == name {
			b.processors = slices.Delete(b.processors, i, i+1)
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Publishing
// -----------------------------------------------------------------------------

// Publish assigns the event an id and timestamp (when unset), queues it
// for processors and delivers it to matching live subscribers. It fails
// with InvalidState once Close has begun.
//
// Events published by a handler with the context it was given are queued
// and dispatched after the current event finishes, in publish order.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.closed.Load() {
		return errBusClosed()
	}
	if !e.Type.Valid() {
		return errors.NewValidationError("unknown event type").WithField("type").WithValue(e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}

	if frame, ok := ctx.Value(dispatchKey{b}).(*dispatchFrame); ok && frame.push(e) {
		return nil
	}

	frame := &dispatchFrame{pending: []Event{e}}
	dctx := context.WithValue(ctx, dispatchKey{b}, frame)
	var err error
	for {
		next, ok := frame.pop()
		if !ok {
			return err
		}
		if b.dispatch(dctx, next) {
			continue
		}
		if next.ID == e.ID {
			err = errBusClosed()
			continue
		}
		b.logger.Warn("queued event dropped, bus closed", "event_id", next.ID, "event_type", string(next.Type))
	}
}

// dispatch admits e to the processor queue, then records and delivers it.
// It reports false when the bus closed first, in which case nothing sees e.
func (b *Bus) dispatch(ctx context.Context, e Event) bool {
	if !b.enqueue(e) {
		return false
	}
	b.published.Add(1)
	b.record(ctx, e)
	b.deliver(ctx, e)
	return true
}

func errBusClosed() error {
	return errors.NewInvalidStateError("bus", "", "bus is closed")
}

func (b *Bus) record(ctx context.Context, e Event) {
	if b.logEnabled {
		b.ringMu.Lock()
		if len(b.ring) < b.logSize {
			b.ring = append(b.ring, e)
		} else {
			b.ring[b.ringNext] = e
			b.ringNext = (b.ringNext + 1) % b.logSize
		}
		b.ringMu.Unlock()
	}

	if b.journal != nil {
		if err := b.journal.Append(ctx, e); err != nil {
			b.logger.Warn("event journal append failed",
				"event_id", e.ID, "event_type", string(e.Type), "error", err.Error())
		}
	}
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.cancelled.Load() || !sub.matcher.Match(e) {
			continue
		}
		if b.safeCall(ctx, sub, e) {
			b.delivered.Add(1)
		}
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(ctx context.Context, sub *Subscription, e Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.handlerFailures.Add(1)
			b.logger.Error("event handler panicked",
				"subscription_id", sub.id,
				"event_id", e.ID,
				"event_type", string(e.Type),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	sub.handler(ctx, e)
	return true
}

// enqueue appends e to the processor queue. When the queue is full the
// oldest queued event of lower priority is shed to make room; failing
// that, e itself is shed unless it is Critical.
// enqueue queues e for processors, shedding under backpressure. It
// reports false once Close has begun; Close flips closed under qmu before
// its final drain, so every admitted event is processed.
func (b *Bus) enqueue(e Event) bool {
	b.qmu.Lock()
	if b.closed.Load() {
		b.qmu.Unlock()
		return false
	}
	if len(b.queue) < b.queueSize {
		b.queue = append(b.queue, e)
		b.qmu.Unlock()
		return true
	}

	victim := -1
	for i, q := range b.queue {
		if q.Priority < e.Priority {
			victim = i
			break
		}
	}

	var dropped Event
	switch {
	case victim >= 0:
		dropped = b.queue[victim]
		b.queue = slices.Delete(b.queue, victim, victim+1)
		b.queue = append(b.queue, e)
	case e.Priority == PriorityCritical:
		b.queue = append(b.queue, e)
		b.qmu.Unlock()
		return true
	default:
		dropped = e
	}
	b.qmu.Unlock()

	b.shed.Add(1)
	b.logger.Warn("event shed under backpressure",
		"event_id", dropped.ID,
		"event_type", string(dropped.Type),
		"priority", dropped.Priority.String())
	return true
}

// -----------------------------------------------------------------------------
// Background processing
// -----------------------------------------------------------------------------

// Start launches the background loop. It returns an error if the bus is
// closed or already running. The loop stops on Close or when ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.closed.Load() {
		return errBusClosed()
	}
	if b.running {
		return errors.NewInvalidStateError("bus", "", "bus is already running")
	}

	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.loop(ctx, b.stopCh, b.doneCh)
	return nil
}

func (b *Bus) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			b.drain(ctx)
			return
		case <-ctx.Done():
			b.lifeMu.Lock()
			b.running = false
			b.lifeMu.Unlock()
			return
		case reply := <-b.flushCh:
			b.drain(ctx)
			close(reply)
		case <-ticker.C:
			b.processBatch(ctx, b.batchSize)
		}
	}
}

// drain processes until the queue is empty.
func (b *Bus) drain(ctx context.Context) {
	for b.processBatch(ctx, b.batchSize) > 0 {
	}
}

// processBatch processes up to n queued events and returns how many it took.
func (b *Bus) processBatch(ctx context.Context, n int) int {
	b.qmu.Lock()
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := slices.Clone(b.queue[:n])
	b.queue = slices.Delete(b.queue, 0, n)
	b.qmu.Unlock()

	if n == 0 {
		return 0
	}

	b.mu.RLock()
	processors := slices.Clone(b.processors)
	b.mu.RUnlock()

	now := time.Now()
	for _, e := range batch {
		if e.Expired(now) {
			b.expired.Add(1)
			continue
		}
		for _, p := range processors {
			b.runProcessor(ctx, p, e)
		}
		b.processed.Add(1)
	}
	return n
}

func (b *Bus) runProcessor(ctx context.Context, p Processor, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Add(1)
			b.logger.Error("event processor panicked",
				"processor", p.Name(),
				"event_id", e.ID,
				"event_type", string(e.Type),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	if !p.CanProcess(e) {
		return
	}
	if err := p.Process(ctx, e); err != nil {
		b.handlerFailures.Add(1)
		b.logger.Warn("event processor failed",
			"processor", p.Name(),
			"event_id", e.ID,
			"event_type", string(e.Type),
			"error", err.Error())
	}
}

// Flush blocks until every event queued before the call has been offered
// to the processors. Without a running loop the queue is drained inline.
func (b *Bus) Flush(ctx context.Context) error {
	b.lifeMu.Lock()
	running := b.running
	b.lifeMu.Unlock()

	if !running {
		b.drain(ctx)
		return nil
	}

	reply := make(chan struct{})
	select {
	case b.flushCh <- reply:
	case <-b.doneCh:
		b.drain(ctx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after draining the queue. Publish fails afterwards.
// Close is idempotent.
func (b *Bus) Close() error {
	b.qmu.Lock()
	already := b.closed.Swap(true)
	b.qmu.Unlock()
	if already {
		return nil
	}

	b.lifeMu.Lock()
	running := b.running
	b.running = false
	stop, done := b.stopCh, b.doneCh
	b.lifeMu.Unlock()

	if running {
		close(stop)
		<-done
	}
	b.drain(context.Background())
	return nil
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// History returns logged events matching filter, oldest first. A positive
// limit keeps only the most recent matches.
func (b *Bus) History(filter Filter, limit int) ([]Event, error) {
	m, err := filter.Compile()
	if err != nil {
		return nil, err
	}

	b.ringMu.Lock()
	ordered := make([]Event, 0, len(b.ring))
	ordered = append(ordered, b.ring[b.ringNext:]...)
	ordered = append(ordered, b.ring[:b.ringNext]...)
	b.ringMu.Unlock()

	var out []Event
	for _, e := range ordered {
		if m.Match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.qmu.Lock()
	depth := len(b.queue)
	b.qmu.Unlock()

	b.mu.RLock()
	subs, procs := len(b.subs), len(b.processors)
	b.mu.RUnlock()

	return Stats{
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		Processed:       b.processed.Load(),
		Shed:            b.shed.Load(),
		Expired:         b.expired.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		QueueDepth:      depth,
		Subscribers:     subs,
		Processors:      procs,
	}
}
