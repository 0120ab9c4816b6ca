package engine

import "errors"

// ErrNotFound is returned (or delivered through a pending callback)
// when a key has no live record: it was never written, its tail record
// is a tombstone, or its chain resolved below BeginAddress.
var ErrNotFound = errors.New("engine: key not found")

// ErrFaulted names the faulted-store condition. No Engine method
// returns it: the engine keeps no faulted state, and a device error
// reaches the caller of the operation that hit it as that error.
var ErrFaulted = errors.New("engine: store faulted, no further operations accepted")
