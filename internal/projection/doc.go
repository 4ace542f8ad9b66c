// Package projection derives read-only views of units, processes and
// shared contexts from the event stream.
//
// Each view is an [event.Processor] registered on the bus's background
// loop. Processors see events late, may see them twice and may see two
// publishers' events interleaved in any order, so every update is guarded:
//
//   - an event id already applied is ignored
//   - a state change older than the entity's last applied change is ignored
//   - a destroyed or deleted entity stays a tombstone
//
// Accessors return copies, never the projection's own records.
package projection
