// Package checkpoint implements the store-wide checkpoint coordinator
// (C8): a global, non-blocking phase machine that captures a
// point-in-time snapshot of the hash index and a consistent cut of the
// hybrid log without ever stopping active sessions.
//
// A checkpoint moves through REST -> PREPARE -> IN_PROGRESS ->
// WAIT_PENDING -> WAIT_FLUSH -> PERSISTENCE_CALLBACK -> REST, all
// driven by one Coordinator.Begin call. Entering PREPARE bumps the
// global epoch, the same mechanism lib/epoch uses for memory
// reclamation; Begin then blocks, polling until the safe epoch catches
// up, until every registered session has drained its pending ops, and
// until the log is flushed up to the cut. Sessions keep running
// throughout.
package checkpoint
