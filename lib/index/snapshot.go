package index

import "github.com/hlogdb/hlogdb/lib/address"

// Entry is one committed (bucket, tag, address) triple as captured by
// SnapshotBuckets. It records enough to place the same slot straight
// back into a freshly built Index without recomputing a hash - the
// index never stores the hash itself, only the tag and bucket position
// derived from it, so a snapshot is inherently a structural copy, not a
// logical one.
type Entry struct {
	Bucket uint64
	Tag    uint16
	Addr   address.Address
}

// SnapshotBuckets walks every primary bucket and its overflow chain and
// returns every committed slot found. Tentative (not-yet-committed)
// slots are skipped - the insert that claimed one is still in flight,
// and whatever address it eventually commits will already be at or
// after the checkpoint's log cut, so a recovery replay of the log picks
// it up regardless of whether this snapshot saw it.
func (idx *Index) SnapshotBuckets() []Entry {
	var entries []Entry
	for i := range idx.buckets {
		b := &idx.buckets[i]
		for {
			for s := range b.slots {
				v := b.slots[s].Load()
				if slotIsEmpty(v) {
					continue
				}
				tag, tentative, addr := unpackSlot(v)
				if tentative {
					continue
				}
				entries = append(entries, Entry{Bucket: uint64(i), Tag: tag, Addr: addr})
			}
			nextID := b.overflow.Load()
			if nextID == 0 {
				break
			}
			next, ok := idx.spill.Load(nextID)
			if !ok {
				break
			}
			b = next
		}
	}
	return entries
}

// RestoreBuckets builds a fresh Index with numBuckets primary buckets
// (rounded up to a power of two exactly as New does) and places every
// entry directly into its recorded bucket, growing overflow chains as
// needed. Unlike Compute's claim protocol, this runs single-threaded
// during recovery before any session exists, so entries are written
// straight into slots rather than tentatively-claimed-then-committed.
func RestoreBuckets(numBuckets uint64, entries []Entry) (*Index, error) {
	idx, err := New(numBuckets)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b := &idx.buckets[e.Bucket&(idx.numBuckets-1)]
		idx.restoreInto(b, e.Tag, e.Addr)
	}
	return idx, nil
}

func (idx *Index) restoreInto(b *bucket, tag uint16, addr address.Address) {
	for {
		for i := range b.slots {
			if slotIsEmpty(b.slots[i].Load()) {
				b.slots[i].Store(packSlot(tag, false, addr))
				return
			}
		}
		nextID := b.overflow.Load()
		if nextID != 0 {
			next, _ := idx.spill.Load(nextID)
			b = next
			continue
		}
		newBucket := &bucket{}
		id := idx.nextSpillID.Add(1)
		idx.spill.Store(id, newBucket)
		b.overflow.Store(id)
		b = newBucket
	}
}
