// Package device defines the pluggable storage back-end the hybrid log
// allocator flushes pages to and reads evicted pages from, plus two
// concrete implementations: an in-memory device for tests and a
// segmented file device (one file per fixed-size segment) for real
// persistence.
//
// The interface replaces the kind of page/segment bookkeeping seen in
// on-disk KV engines (fixed page size, checksum-free atomic page
// writes, offset-addressed segments) with a minimal async contract: a
// page index in, a completion callback out. Ordering across pages is
// never implied - only what a completion callback establishes.
package device
