// Package pagebuffer implements the hybrid log's resident page ring: a
// fixed-size array of page-sized buffers that the allocator maps the
// live address window onto, each page cycling through
// Unallocated -> Allocated -> ClosedForWrites -> FlushSubmitted ->
// Flushed -> Evicted as the tail advances past it and it is eventually
// reclaimed for a future page index.
//
// The buffer itself enforces only that transitions happen in this
// order and that a slot's occupant is checked before every access
// (the ring reuses slots for many different logical pages over the
// life of the store); the allocator in lib/hlog is responsible for
// deciding *when* each transition is safe to make.
package pagebuffer
