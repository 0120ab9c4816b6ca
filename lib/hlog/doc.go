// Package hlog implements the hybrid log allocator: the component that
// owns the logical address space (BeginAddress <= HeadAddress <=
// ReadOnlyAddress <= TailAddress), serializes records into the
// resident page ring from lib/pagebuffer, drives the flush pipeline
// that hands closed pages to a lib/device.Device, and resolves
// addresses below HeadAddress back into memory via on-demand reads.
//
// Record header layout is a packed bit-flags byte in the same spirit
// as the store's RPC wire codec (one flags byte disambiguating which
// fields follow), generalized here to the three header bits a hybrid
// log record needs: invalid, tombstone, and fuzzy (encoded and decoded
// here, but no store component writes a record with it set).
package hlog
