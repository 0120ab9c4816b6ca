// Package epoch implements the store's lock-free epoch-based memory
// reclamation and phase-transition protocol.
//
// Every goroutine that wants to touch the hybrid log or hash index
// first Acquires a Guard, which reserves a slot in a fixed-size table.
// Before each operation the goroutine Refreshes its guard, publishing
// the current global epoch into its slot. The Manager tracks the
// minimum published epoch across all active slots - the "safe epoch" -
// and only runs a deferred action once the safe epoch has advanced past
// the epoch the action was registered under. This gives every reader
// that was active when a log boundary shifted a chance to finish before
// the memory behind that boundary is reused.
//
// The protocol also doubles as the mechanism the checkpoint coordinator
// uses to drive the whole store through REST/PREPARE/IN_PROGRESS/...
// phase transitions without a stop-the-world pause: BumpEpoch marks the
// start of a new phase, and sessions observe the new phase the next
// time they Refresh.
package epoch
