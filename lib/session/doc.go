// Package session implements the unit of thread-affinity (C7) sessions
// use to talk to the engine: one epoch guard, one pending-completion
// queue, and a refresh cadence.
//
// Operations that go pending (a device read, or an RMW whose old value
// lives on device) don't run the caller's completion callback from
// whatever background goroutine the device finishes on. Instead the
// engine's continuation enqueues it onto the session's own pending
// queue, and CompletePending runs it from the session's owning
// goroutine - preserving the thread-affinity guarantee even across a
// suspended operation, the same way the teacher's session-facing API
// never lets a background goroutine touch caller state directly.
package session
