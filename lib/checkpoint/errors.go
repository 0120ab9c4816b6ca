package checkpoint

import "errors"

// ErrInProgress is returned by Begin when a checkpoint is already
// running; only one checkpoint may be in flight at a time.
var ErrInProgress = errors.New("checkpoint: already in progress")

// ErrFaulted is returned by Begin once the coordinator has been marked
// faulted - a store that hit a fatal error never completes another
// checkpoint.
var ErrFaulted = errors.New("checkpoint: store is faulted")

// ErrNoCheckpoint is returned by MetadataStore.LoadLatest when no
// checkpoint has completed; Recover treats it as an empty store.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint to recover from")
