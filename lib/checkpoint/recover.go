package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
)

// Recover rebuilds an Index and reinitializes alloc's address space
// from the latest completed checkpoint (if any) plus whatever the log
// durably holds past that checkpoint's cut. alloc must be freshly
// constructed and not yet have had Allocate or Recover called on it.
// hash must be the same hash function the store's codec.Functions
// uses, since the index only ever stores a key's hash, never the key
// bytes.
//
// With no completed checkpoint, Recover starts from an empty index and
// replays the entire log from address 1.
func Recover(ctx context.Context, store *MetadataStore, alloc *hlog.Allocator, numBuckets uint64, hash func(key []byte) uint64) (*index.Index, address.Address, Metadata, error) {
	meta, entries, err := store.LoadLatest()
	if err != nil {
		if !errors.Is(err, ErrNoCheckpoint) {
			return nil, address.Invalid, Metadata{}, fmt.Errorf("checkpoint: loading latest checkpoint: %w", err)
		}
		meta = Metadata{BeginAddress: address.Address(1), Cut: address.Address(1)}
		entries = nil
	}

	idx, err := index.RestoreBuckets(numBuckets, entries)
	if err != nil {
		return nil, address.Invalid, Metadata{}, fmt.Errorf("checkpoint: restoring index snapshot: %w", err)
	}

	if meta.Kind == KindSnapshot && meta.SnapshotID != uuid.Nil {
		if err := applySnapshotCapture(store, idx, meta, hash); err != nil {
			return nil, address.Invalid, Metadata{}, err
		}
	}

	tail, err := alloc.Recover(ctx, meta.BeginAddress, meta.Cut)
	if err != nil {
		return nil, address.Invalid, Metadata{}, fmt.Errorf("checkpoint: scanning log for durable tail: %w", err)
	}

	if err := replayInto(ctx, alloc, idx, meta.Cut, tail, hash); err != nil {
		return nil, address.Invalid, Metadata{}, err
	}

	return idx, tail, meta, nil
}

// applySnapshotCapture loads a KindSnapshot checkpoint's raw
// mutable-region capture and replays it over idx, so that span's index
// entries come from the checkpoint's own log-ordered record list rather
// than solely from the (potentially fuzzy) bucket-array snapshot loaded
// above. Called before the log rescan below so a corrupt or missing
// snapshot file is reported as a recovery error rather than silently
// falling back to the fuzzy view.
func applySnapshotCapture(store *MetadataStore, idx *index.Index, meta Metadata, hash func([]byte) uint64) error {
	records, err := store.LoadSnapshot(meta.SnapshotID)
	if err != nil {
		return fmt.Errorf("checkpoint: loading mutable-region snapshot %s: %w", meta.SnapshotID, err)
	}
	if err := ApplyRawRecords(idx, records, hash); err != nil {
		return fmt.Errorf("checkpoint: applying mutable-region snapshot %s: %w", meta.SnapshotID, err)
	}
	return nil
}

// replayInto rebuilds index entries for every live record in [from,
// to), in log order, so a later record for the same key always wins -
// matching how Upsert/RMW/Delete maintain the index during normal
// operation. Tombstoned records are indexed exactly like any other
// record: the chain walk that follows an index hit is what recognizes
// a tombstone and reports the key as not found, the same as a live
// Delete followed immediately by a Read.
func replayInto(ctx context.Context, alloc *hlog.Allocator, idx *index.Index, from, to address.Address, hash func([]byte) uint64) error {
	var replayErr error
	err := alloc.Replay(ctx, from, to, func(addr address.Address, rec hlog.Record, invalid bool) bool {
		if invalid {
			return true
		}
		h := hash(rec.Key)
		if _, err := idx.Compute(h, func(address.Address, bool) (address.Address, bool) {
			return addr, true
		}); err != nil {
			replayErr = fmt.Errorf("checkpoint: rebuilding index at %s: %w", addr, err)
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("checkpoint: replaying log: %w", err)
	}
	return replayErr
}
