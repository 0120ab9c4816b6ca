package hlog

import "errors"

// ErrNeedsRefresh is returned by Allocate when the tail would overrun
// the head by more than the page buffer can hold. The caller must
// refresh its epoch (to let pending evictions proceed) and retry.
var ErrNeedsRefresh = errors.New("hlog: allocate needs refresh, buffer full")

// ErrTruncated is returned when an address has fallen below
// BeginAddress: the record it pointed to has already been reclaimed
// and is treated as NOT_FOUND by the caller, never as an error to
// surface to the end user.
var ErrTruncated = errors.New("hlog: address is below begin address")

// ErrClosed is returned by any allocator operation once Close has run.
var ErrClosed = errors.New("hlog: allocator is closed")
