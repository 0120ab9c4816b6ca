package session

import "errors"

// ErrDisposed is returned by any operation issued after Dispose has
// completed on this session.
var ErrDisposed = errors.New("session: disposed")

// ErrPendingOnClose is returned by Dispose when pending ops remain and
// the caller never drained them with CompletePending(true).
var ErrPendingOnClose = errors.New("session: pending ops remain, call CompletePending(true) before Dispose")
