// Package index implements the store's hash index: a fixed-size array
// of cache-line-sized buckets, each holding a handful of (tag,
// address) slots plus an overflow pointer into a chain of spill
// buckets for whatever doesn't fit.
//
// The update protocol - look up the current address for a tag, hand
// it to a caller-supplied function, and compare-and-swap in the
// result - mirrors the atomic-update-by-callback shape the engine's
// in-memory KV map uses (xsync.MapOf.Compute), generalized from a
// resizable concurrent map down to a fixed array of raw-word slots the
// hash index needs for its compact on-disk snapshot format.
package index
