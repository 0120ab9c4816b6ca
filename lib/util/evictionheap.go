package util

import "container/heap"

// pageEntry is one page tracked by EvictionHeap.
type pageEntry struct {
	page     uint64 // page index
	epoch    uint64 // safe epoch required before this page may be evicted
	heapPos  int
}

// EvictionHeap is a priority queue of page indices ordered by the epoch
// at which each page became eligible for eviction (lowest epoch first),
// with O(1) lookup/update by page index via an auxiliary map.
//
// It is not safe for concurrent use: a caller must own it from a
// single goroutine. The hlog allocator does not use it; it schedules
// page evictions through epoch.Manager.DeferUntil.
type EvictionHeap struct {
	entries []*pageEntry
	byPage  map[uint64]*pageEntry
}

// NewEvictionHeap creates an empty heap.
func NewEvictionHeap() *EvictionHeap {
	return &EvictionHeap{
		entries: make([]*pageEntry, 0),
		byPage:  make(map[uint64]*pageEntry),
	}
}

func (h *EvictionHeap) Len() int { return len(h.entries) }

func (h *EvictionHeap) Less(i, j int) bool {
	return h.entries[i].epoch < h.entries[j].epoch
}

func (h *EvictionHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].heapPos = i
	h.entries[j].heapPos = j
}

func (h *EvictionHeap) Push(x interface{}) {
	e := x.(*pageEntry)
	e.heapPos = len(h.entries)
	h.entries = append(h.entries, e)
	h.byPage[e.page] = e
}

func (h *EvictionHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapPos = -1
	h.entries = old[:n-1]
	delete(h.byPage, e.page)
	return e
}

// Track registers page as evictable once the safe epoch reaches
// requiredEpoch, updating its priority if already tracked.
func (h *EvictionHeap) Track(page, requiredEpoch uint64) {
	if e, ok := h.byPage[page]; ok {
		e.epoch = requiredEpoch
		heap.Fix(h, e.heapPos)
		return
	}
	heap.Push(h, &pageEntry{page: page, epoch: requiredEpoch})
}

// Untrack removes page from the heap (e.g. it was reclaimed out of band).
func (h *EvictionHeap) Untrack(page uint64) {
	if e, ok := h.byPage[page]; ok {
		heap.Remove(h, e.heapPos)
	}
}

// PeekReady returns the lowest-epoch tracked page without removing it,
// only if its required epoch is <= safeEpoch.
func (h *EvictionHeap) PeekReady(safeEpoch uint64) (page uint64, ok bool) {
	if len(h.entries) == 0 || h.entries[0].epoch > safeEpoch {
		return 0, false
	}
	return h.entries[0].page, true
}

// PopReady removes and returns the lowest-epoch tracked page, only if
// its required epoch is <= safeEpoch.
func (h *EvictionHeap) PopReady(safeEpoch uint64) (page uint64, ok bool) {
	p, ready := h.PeekReady(safeEpoch)
	if !ready {
		return 0, false
	}
	heap.Pop(h)
	return p, true
}
