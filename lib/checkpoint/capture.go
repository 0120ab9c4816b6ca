package checkpoint

import (
	"context"
	"fmt"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
)

// RawRecord is one record captured by a KindSnapshot checkpoint's side
// file: a denormalized copy of the mutable region as of the checkpoint
// cut, independent of whatever the ordinary flush pipeline later does
// with the same bytes.
type RawRecord struct {
	Addr      address.Address
	Previous  address.Address
	Tombstone bool
	Key       []byte
	Value     []byte
}

// captureRange reads every record in [from, to) through alloc, using
// GetPhysical rather than a direct device read so it works whether the
// range is still resident or has already been evicted below head by the
// time capture runs. Records marked invalid (abandoned writes, page
// padding) are skipped.
func captureRange(ctx context.Context, alloc *hlog.Allocator, from, to address.Address) ([]RawRecord, error) {
	var out []RawRecord
	cur := from
	for cur < to {
		buf, err := getPhysicalBlocking(ctx, alloc, cur)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: capturing at %s: %w", cur, err)
		}
		rec, size, ok := hlog.Decode(buf)
		if !ok || size == 0 {
			return nil, fmt.Errorf("checkpoint: capturing at %s: corrupt record", cur)
		}
		if !hlog.IsInvalid(buf[:1]) {
			out = append(out, RawRecord{
				Addr:      cur,
				Previous:  rec.Previous,
				Tombstone: rec.Tombstone,
				Key:       append([]byte(nil), rec.Key...),
				Value:     append([]byte(nil), rec.Value...),
			})
		}
		cur += address.Address(size)
	}
	return out, nil
}

// ApplyRawRecords rebuilds index entries for a KindSnapshot checkpoint's
// captured mutable region, in the same log-order-wins style replayInto
// uses for the log itself: records is walked in the order captureRange
// produced it (increasing address), so the last entry for a given key
// always ends up as the index's pointer for it. Unlike the index
// snapshot entries persisted alongside the checkpoint, this rebuild is
// driven off the raw log records captured at the cut, not a concurrent
// bucket-array walk - see Coordinator.Begin's KindSnapshot comment.
func ApplyRawRecords(idx *index.Index, records []RawRecord, hash func([]byte) uint64) error {
	for _, rec := range records {
		h := hash(rec.Key)
		addr := rec.Addr
		if _, err := idx.Compute(h, func(address.Address, bool) (address.Address, bool) {
			return addr, true
		}); err != nil {
			return fmt.Errorf("checkpoint: applying captured record at %s: %w", addr, err)
		}
	}
	return nil
}

// getPhysicalBlocking adapts Allocator.GetPhysical's continuation-based
// API to a synchronous call, for capture code that has no session-style
// completion queue of its own to resume on.
func getPhysicalBlocking(ctx context.Context, alloc *hlog.Allocator, addr address.Address) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	buf, pending, err := alloc.GetPhysical(ctx, addr, func(b []byte, e error) {
		done <- result{b, e}
	})
	if err != nil {
		return nil, err
	}
	if !pending {
		return buf, nil
	}
	r := <-done
	return r.buf, r.err
}
