// Package store provides Store, the process-visible handle for one
// hybrid-log key-value store: it owns exactly one Epoch Manager, Hash
// Index, Hybrid Log Allocator and Checkpoint Coordinator, and exposes
// session creation plus checkpoint/recovery lifecycle. A process may
// construct any number of independently-configured Store values - none
// of this package's state lives in a package-level variable.
//
// Store replaces the teacher's IStore / lstore / dstore split: that
// interface negotiated optional features (SupportsFeature) against a
// pluggable db.KVDB and, for dstore, replicated writes through
// Dragonboat's RAFT log. Neither idea survives here - every session
// exposes the same mandatory Read/Upsert/RMW/Delete surface over one
// local hybrid log, and cross-node replication is an explicit
// non-goal - so Store is a new top-level type rather than an
// implementation of the old IStore (see DESIGN.md for the full
// deletion rationale).
package store
