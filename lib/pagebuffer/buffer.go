package pagebuffer

import (
	"fmt"
	"sync/atomic"
)

// State is a page slot's position in its write/flush/evict lifecycle.
type State int32

const (
	Unallocated State = iota
	Allocated
	ClosedForWrites
	FlushSubmitted
	Flushed
	Evicted
)

func (s State) String() string {
	switch s {
	case Unallocated:
		return "Unallocated"
	case Allocated:
		return "Allocated"
	case ClosedForWrites:
		return "ClosedForWrites"
	case FlushSubmitted:
		return "FlushSubmitted"
	case Flushed:
		return "Flushed"
	case Evicted:
		return "Evicted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// slot is one ring position. occupant is the logical page index
// currently mapped to this slot, meaningful only while state is not
// Unallocated/Evicted.
type slot struct {
	state    atomic.Int32
	occupant atomic.Uint64
	buf      []byte
}

// Buffer is a ring of K page-sized buffers, K a power of two, mapping
// logical page index -> slot index via page mod K.
type Buffer struct {
	pageSize int
	mask     uint64
	slots    []slot
}

// New creates a page ring with numSlots (must be a power of two)
// buffers of pageSize bytes each.
func New(pageSize int, numSlots uint64) (*Buffer, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("pagebuffer: pageSize must be positive")
	}
	if numSlots == 0 || numSlots&(numSlots-1) != 0 {
		return nil, fmt.Errorf("pagebuffer: numSlots must be a power of two, got %d", numSlots)
	}

	b := &Buffer{
		pageSize: pageSize,
		mask:     numSlots - 1,
		slots:    make([]slot, numSlots),
	}
	for i := range b.slots {
		b.slots[i].buf = make([]byte, pageSize)
		b.slots[i].occupant.Store(^uint64(0))
	}
	return b, nil
}

func (b *Buffer) slotIndex(page uint64) uint64 { return page & b.mask }

// Allocate claims the slot for page, transitioning it to Allocated and
// zeroing its buffer. The slot must currently be Unallocated or
// Evicted (its previous occupant, if any, must already be fully
// reclaimed - the allocator's job to guarantee via epoch deferral).
func (b *Buffer) Allocate(page uint64) ([]byte, error) {
	s := &b.slots[b.slotIndex(page)]
	cur := State(s.state.Load())
	if cur != Unallocated && cur != Evicted {
		return nil, fmt.Errorf("pagebuffer: slot for page %d is %s, cannot allocate", page, cur)
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.occupant.Store(page)
	s.state.Store(int32(Allocated))
	return s.buf, nil
}

// GetPage returns the resident buffer for page, or ok=false if the
// slot's current occupant is not page (the page is not resident: it
// was never allocated, or has since been evicted and the slot reused).
func (b *Buffer) GetPage(page uint64) (buf []byte, ok bool) {
	s := &b.slots[b.slotIndex(page)]
	if s.occupant.Load() != page {
		return nil, false
	}
	if State(s.state.Load()) == Unallocated {
		return nil, false
	}
	return s.buf, true
}

// State returns the lifecycle state of page's slot, and whether page
// is in fact the slot's current occupant.
func (b *Buffer) State(page uint64) (st State, resident bool) {
	s := &b.slots[b.slotIndex(page)]
	if s.occupant.Load() != page {
		return Unallocated, false
	}
	return State(s.state.Load()), true
}

// transition performs a checked state change, failing if page is not
// resident or is not currently in exactly `from`.
func (b *Buffer) transition(page uint64, from, to State) error {
	s := &b.slots[b.slotIndex(page)]
	if s.occupant.Load() != page {
		return fmt.Errorf("pagebuffer: page %d is not resident", page)
	}
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("pagebuffer: page %d is %s, expected %s", page, State(s.state.Load()), from)
	}
	return nil
}

// CloseForWrites marks page read-only: ShiftReadOnlyAddress has
// crossed it and no further in-place mutation may occur.
func (b *Buffer) CloseForWrites(page uint64) error {
	return b.transition(page, Allocated, ClosedForWrites)
}

// MarkFlushSubmitted records that page's flush write has been handed
// to the device.
func (b *Buffer) MarkFlushSubmitted(page uint64) error {
	return b.transition(page, ClosedForWrites, FlushSubmitted)
}

// MarkFlushed records that page's device write completed successfully.
func (b *Buffer) MarkFlushed(page uint64) error {
	return b.transition(page, FlushSubmitted, Flushed)
}

// Evict releases page's slot once no active epoch can still observe
// it. The slot becomes available for Allocate to reuse for a
// different logical page; page itself immediately stops reporting as
// resident (both GetPage and State), even before anything reclaims
// the slot.
func (b *Buffer) Evict(page uint64) error {
	if err := b.transition(page, Flushed, Evicted); err != nil {
		return err
	}
	s := &b.slots[b.slotIndex(page)]
	s.occupant.Store(^uint64(0))
	return nil
}

// NumSlots returns the number of page slots in the ring.
func (b *Buffer) NumSlots() uint64 { return b.mask + 1 }

// PageSize returns the fixed size of each slot's buffer.
func (b *Buffer) PageSize() int { return b.pageSize }
