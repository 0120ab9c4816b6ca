package index

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// Index is a fixed-size hash index: numBuckets never changes after
// construction (the primary array is never resized), but each bucket
// may grow an unbounded overflow chain of spill buckets to absorb
// collisions.
type Index struct {
	numBuckets  uint64
	buckets     []bucket
	spill       *xsync.MapOf[uint64, *bucket]
	nextSpillID atomic.Uint64
}

// New creates an Index with numBuckets primary buckets, rounded up to
// the next power of two if it isn't one already (so bucket selection
// can use a mask instead of a modulo).
func New(numBuckets uint64) (*Index, error) {
	if numBuckets == 0 {
		return nil, fmt.Errorf("index: numBuckets must be positive")
	}
	n := nextPowerOfTwo(numBuckets)
	return &Index{
		numBuckets: n,
		buckets:    make([]bucket, n),
		spill:      xsync.NewMapOf[uint64, *bucket](),
	}, nil
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (idx *Index) bucketFor(hash uint64) *bucket {
	return &idx.buckets[hash&(idx.numBuckets-1)]
}

// Lookup returns the committed address currently stored for hash, or
// found=false if no entry exists (or only a not-yet-committed
// tentative claim exists - from the caller's point of view that is
// indistinguishable from absent until it commits).
func (idx *Index) Lookup(hash uint64) (addr address.Address, found bool) {
	tag := computeTag(hash)
	r := idx.find(idx.bucketFor(hash), tag)
	return r.addr, r.found
}

// Compute atomically reads the current address for hash (address.Invalid,
// found=false if none) and applies fn to decide the new address. If fn
// returns write=false, Compute is a pure read and returns the existing
// address unchanged. Otherwise Compute installs newAddr - via a
// compare-and-swap against an existing slot, or by tentatively
// claiming and then committing a fresh slot - retrying the whole
// read-modify-write if it loses a race, the same shape maple.go's
// sharded map uses its Compute method for.
func (idx *Index) Compute(hash uint64, fn func(old address.Address, found bool) (newAddr address.Address, write bool)) (address.Address, error) {
	tag := computeTag(hash)
	b := idx.bucketFor(hash)

	var spins int
	for {
		r := idx.find(b, tag)
		if r.tentative {
			backoff(&spins)
			continue
		}

		newAddr, write := fn(r.addr, r.found)
		if !write {
			return r.addr, nil
		}

		if r.found {
			expected := packSlot(tag, false, r.addr)
			updated := packSlot(tag, false, newAddr)
			if r.bucket.slots[r.slotIdx].CompareAndSwap(expected, updated) {
				return newAddr, nil
			}
			backoff(&spins)
			continue
		}

		if idx.claim(b, tag, newAddr) {
			return newAddr, nil
		}
		backoff(&spins)
	}
}

func backoff(spins *int) {
	if *spins < 10 {
		*spins++
		for i := 0; i < 1<<uint(*spins); i++ {
			runtime.Gosched()
		}
		return
	}
	runtime.Gosched()
}

// NumBuckets returns the fixed primary bucket count.
func (idx *Index) NumBuckets() uint64 { return idx.numBuckets }

// LoadStats samples per-bucket occupancy (data slots in use, including
// any spill chain) across every primary bucket and summarizes it,
// giving an operator a signal for whether numBuckets was sized well
// without a full key-by-key scan.
func (idx *Index) LoadStats() util.LoadStats {
	samples := make([]float64, idx.numBuckets)
	for i := range idx.buckets {
		samples[i] = float64(idx.occupancy(&idx.buckets[i]))
	}
	return util.NewLoadStats(samples)
}

func (idx *Index) occupancy(b *bucket) int {
	n := 0
	for {
		for i := range b.slots {
			if !slotIsEmpty(b.slots[i].Load()) {
				n++
			}
		}
		nextID := b.overflow.Load()
		if nextID == 0 {
			return n
		}
		next, ok := idx.spill.Load(nextID)
		if !ok {
			return n
		}
		b = next
	}
}
