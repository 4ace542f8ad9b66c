// Package supervisor spawns, tracks and tears down the processes that back
// active units.
//
// Each process gets a Control channel named "process-<id>" between the
// supervisor endpoint and the process endpoint. Commands (suspend, resume,
// allocate) travel over that channel and a bridge subscription forwards
// them to the engine, so quota enforcement stays with the engine.
//
// Health only worsens one step at a time (Healthy, Degraded, Critical,
// Dead). A Degraded process returns to Healthy after a clean probe with
// usage back under the thresholds. Dead is terminal: the process's units
// are detached and handed to the OnOrphans handlers, and the record is
// reaped after the dead grace window.
package supervisor
