package index

import (
	"sync/atomic"

	"github.com/hlogdb/hlogdb/lib/address"
)

// slotsPerBucket is the number of (tag, address) data slots per
// bucket; sized to fit one cache line alongside the overflow pointer.
const slotsPerBucket = 7

// bucket is one fixed-size cache-line-sized hash index entry.
type bucket struct {
	slots    [slotsPerBucket]atomic.Uint64
	overflow atomic.Uint64 // 0 = no spill bucket linked; else spill bucket id
}

// findResult is what walking a bucket chain for a tag turns up.
type findResult struct {
	found     bool
	tentative bool // a slot for this tag exists but is not yet committed
	addr      address.Address
	bucket    *bucket // bucket owning the matching/claimable slot
	slotIdx   int     // index within bucket.slots, valid if found || claim target
}

// find walks b and its overflow chain looking for tag. If a committed
// match exists, found=true and addr is its current address. If a
// tentative (not yet committed) slot for tag exists anywhere in the
// chain, tentative=true - the caller must back off and retry rather
// than treat the tag as absent.
func (idx *Index) find(b *bucket, tag uint16) findResult {
	for {
		for i := range b.slots {
			v := b.slots[i].Load()
			if slotIsEmpty(v) {
				continue
			}
			if slotTag(v) != tag {
				continue
			}
			_, tentative, addr := unpackSlot(v)
			if tentative {
				return findResult{tentative: true}
			}
			return findResult{found: true, addr: addr, bucket: b, slotIdx: i}
		}
		nextID := b.overflow.Load()
		if nextID == 0 {
			return findResult{}
		}
		next, ok := idx.spill.Load(nextID)
		if !ok {
			return findResult{}
		}
		b = next
	}
}

// claim finds an empty slot for tag anywhere in b's chain (allocating
// a new spill bucket if every linked bucket is full) and tentatively
// claims it for addr, then commits the claim. Returns ok=false if a
// concurrent claimant won the race for every empty slot it tried -
// the caller should retry the whole Compute from find().
func (idx *Index) claim(b *bucket, tag uint16, addr address.Address) bool {
	for {
		for i := range b.slots {
			if !slotIsEmpty(b.slots[i].Load()) {
				continue
			}
			tentative := packSlot(tag, true, addr)
			if !b.slots[i].CompareAndSwap(emptySlot, tentative) {
				continue // another goroutine claimed this slot first
			}
			committed := packSlot(tag, false, addr)
			b.slots[i].Store(committed)
			return true
		}

		nextID := b.overflow.Load()
		if nextID != 0 {
			next, ok := idx.spill.Load(nextID)
			if !ok {
				return false
			}
			b = next
			continue
		}

		newBucket := &bucket{}
		id := idx.nextSpillID.Add(1)
		idx.spill.Store(id, newBucket)
		if !b.overflow.CompareAndSwap(0, id) {
			// someone else linked a spill bucket first; use theirs and
			// retry, discarding the one we just allocated.
			idx.spill.Delete(id)
			linkedID := b.overflow.Load()
			linked, ok := idx.spill.Load(linkedID)
			if !ok {
				return false
			}
			b = linked
			continue
		}
		b = newBucket
	}
}
