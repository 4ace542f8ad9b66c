// Package event provides the system-wide event bus of the switchyard core.
//
// Components publish lifecycle events (units, spaces, processes, channels,
// shared contexts, sessions) without knowing who consumes them. Consumers
// attach in one of two ways:
//
//   - Live subscribers ([Bus.Subscribe]) run synchronously inside Publish,
//     so a subscriber has seen an event before the publisher's next call.
//   - Processors ([Bus.RegisterProcessor]) run on a background loop fed by a
//     bounded FIFO. They derive read-only projections and must tolerate
//     delay, duplication and cross-publisher reordering.
//
// # Events
//
// [Event] is an immutable value: its payload is only reachable through
// copying accessors. [Type] is a closed enumeration and [Type.Valid]
// rejects anything outside it. Typed constructors (NewUnitCreatedEvent,
// NewProcessHealthChangedEvent, ...) build the payload with the shared Key*
// constants.
//
// # Backpressure
//
// When the processor queue is full the oldest queued event of lower
// priority than the incoming one is shed. If none exists the incoming
// event is shed, unless it is Critical: Critical events are never shed.
//
// # Re-entrancy
//
// A handler that publishes using the context it received does not recurse:
// its event is queued and dispatched once the current event has reached
// every subscriber.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//	_ = bus.Start(ctx)
//	defer bus.Close()
//
//	sub, _ := bus.Subscribe(event.Filter{
//	    Types:   []event.Type{event.UnitCreated},
//	    Sources: []string{"units"},
//	}, func(ctx context.Context, e event.Event) {
//	    log.Printf("unit %s created", e.String(event.KeyUnitID))
//	})
//	defer sub.Cancel()
//
//	_ = bus.Publish(ctx, event.NewUnitCreatedEvent("units", id, space, url, pid))
package event
