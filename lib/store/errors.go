package store

import "errors"

// ErrClosed is returned by any Store method called after Close has
// completed.
var ErrClosed = errors.New("store: closed")
