package hlog

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/hlogdb/hlogdb/lib/address"
)

// flushPipeline submits pages closed for writes to the allocator's
// device in order and tracks the highest contiguous page prefix that
// has finished flushing, so ShiftHeadAddress knows how far it is safe
// to advance.
//
// Flush completions may arrive out of order (the device is free to
// reorder independent page writes), so the watermark is tracked with a
// small completed-but-not-yet-contiguous set rather than a single
// counter, the same "advance past everything contiguous, hold the rest"
// shape the epoch manager uses for deferred actions.
type flushPipeline struct {
	a *Allocator

	mu            sync.Mutex
	nextToFlush   uint64          // next page index expected to finish flushing
	flushedBefore map[uint64]bool // pages flushed out of order, ahead of nextToFlush
	flushedUpToPg uint64          // highest page index known fully flushed (exclusive upper bound)
}

func newFlushPipeline(a *Allocator) *flushPipeline {
	startPage := a.BeginAddress().Page(a.cfg.PageBits)
	return &flushPipeline{
		a:             a,
		nextToFlush:   startPage,
		flushedBefore: make(map[uint64]bool),
		flushedUpToPg: startPage,
	}
}

// closeAndSubmit closes every page in [oldReadOnly, newReadOnly) for
// writes, in increasing order, and submits each to the device.
func (f *flushPipeline) closeAndSubmit(oldReadOnly, newReadOnly address.Address) {
	firstPage := oldReadOnly.Page(f.a.cfg.PageBits)
	lastPage := address.Address(uint64(newReadOnly) - 1).Page(f.a.cfg.PageBits)

	for p := firstPage; p <= lastPage; p++ {
		page := p
		if err := f.a.buffer.CloseForWrites(page); err != nil {
			// the very first call after construction may see page 0
			// already Unallocated if nothing was ever written to it;
			// that's fine, there is nothing to flush.
			continue
		}
		f.submit(page)
	}
}

// submit hands page to the device with exponential-backoff retry on
// failure, in the same spin-then-yield shape as the store's lock-free
// queue uses under contention.
func (f *flushPipeline) submit(page uint64) {
	if err := f.a.buffer.MarkFlushSubmitted(page); err != nil {
		f.a.log.Errorf("flush: page %d not ready to submit: %v", page, err)
		return
	}
	buf, ok := f.a.buffer.GetPage(page)
	if !ok {
		f.a.log.Errorf("flush: page %d vanished before submit", page)
		return
	}
	f.writeWithBackoff(page, buf, 0, time.Now())
}

func (f *flushPipeline) writeWithBackoff(page uint64, buf []byte, attempt int, start time.Time) {
	f.a.device.WritePage(context.Background(), page, buf, func(err error) {
		if err != nil {
			if attempt < 10 {
				for i := 0; i < 1<<uint(attempt); i++ {
					runtime.Gosched()
				}
				f.writeWithBackoff(page, buf, attempt+1, start)
				return
			}
			f.a.log.Errorf("flush: page %d failed permanently after %d attempts: %v", page, attempt, err)
			return
		}
		if markErr := f.a.buffer.MarkFlushed(page); markErr != nil {
			f.a.log.Errorf("flush: marking page %d flushed: %v", page, markErr)
			return
		}
		if f.a.cfg.OnFlush != nil {
			f.a.cfg.OnFlush(time.Since(start).Seconds())
		}
		f.onFlushed(page)
	})
}

// onFlushed records that page finished flushing and advances the
// contiguous flushed watermark as far as completed-out-of-order pages
// allow.
func (f *flushPipeline) onFlushed(page uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if page != f.nextToFlush {
		f.flushedBefore[page] = true
		return
	}
	f.nextToFlush++
	for f.flushedBefore[f.nextToFlush] {
		delete(f.flushedBefore, f.nextToFlush)
		f.nextToFlush++
	}
	f.flushedUpToPg = f.nextToFlush
}

// flushedUpTo returns the highest address such that every page below
// it has been fully flushed.
func (f *flushPipeline) flushedUpTo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushedUpToPg << f.a.cfg.PageBits
}
