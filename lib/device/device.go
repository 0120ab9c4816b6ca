package device

import "context"

// Device is the storage back-end the hybrid log allocator flushes
// pages to and reads evicted pages from. A device must guarantee:
// writes of aligned, page-sized buffers are atomic with respect to a
// crash, and a read issued after a write's done callback has fired
// observes the written bytes. No ordering across pages is assumed
// beyond what completion callbacks establish - a device is free to
// reorder or parallelize independent page I/O.
//
// done is always invoked exactly once, from some goroutine (not
// necessarily the caller's), even when ctx is already canceled.
type Device interface {
	// WritePage writes buf (exactly PageSize() bytes) to pageIndex.
	WritePage(ctx context.Context, pageIndex uint64, buf []byte, done func(error))

	// ReadPage reads PageSize() bytes at pageIndex into buf, which must
	// be at least that long.
	ReadPage(ctx context.Context, pageIndex uint64, buf []byte, done func(error))

	// Truncate discards every page with index < belowPage. Used after a
	// checkpoint advances BeginAddress; a device may reclaim the
	// corresponding storage but is not required to do so immediately.
	Truncate(belowPage uint64) error

	// PageSize returns the fixed page size this device was configured
	// with, in bytes.
	PageSize() int

	// Close releases any resources (file descriptors, background
	// workers) held by the device. No further calls may be made
	// afterwards.
	Close() error
}
