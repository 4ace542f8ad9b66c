// Package unit manages the lifecycle of logical work units: creation,
// spaces and groups, navigation history, suspension and restoration,
// search and export.
//
// Every non-suspended unit is hosted by exactly one live process obtained
// from the supervisor; a suspended unit holds no process and its resumable
// state lives in the blob store under "unit-state/<id>". When a process
// dies the supervisor hands its units back and they are suspended, so the
// pairing holds until the unit is restored on its next activation.
//
// Lifecycle transitions on the same unit are serialized by a per-unit
// claim. A transition attempted while another is in flight fails with
// InvalidState wrapping ErrUnitBusy rather than double-acting. If the
// process dies while a unit is claimed, the claim holder suspends it when
// the claim ends.
//
// The suspension Policy scores candidates with one of four strategies
// (time, usage, memory, hybrid). The active unit of every space, pinned
// units and units in an active collaboration session are never
// candidates, and at least MinWarm units stay resident.
package unit
