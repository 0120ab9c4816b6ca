package hlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/epoch"
	"github.com/hlogdb/hlogdb/lib/logging"
	"github.com/hlogdb/hlogdb/lib/pagebuffer"
	"github.com/puzpuzpuz/xsync/v3"
)

// Config controls the geometry of one Allocator.
type Config struct {
	PageBits    uint // log2(page size in bytes)
	MemoryBits  uint // log2(bytes kept resident); must be a multiple of PageBits' page size
	SegmentBits uint // log2(bytes per on-device segment file)

	// MutableFraction is the portion (0,1] of the in-memory window kept
	// mutable: ReadOnlyAddress trails TailAddress by this fraction of
	// the resident span.
	MutableFraction float64

	// OnFlush, if set, is called from the flush pipeline's own
	// goroutine each time a page finishes writing to the device, with
	// the elapsed time between submit and completion. Optional - nil
	// skips the call entirely.
	OnFlush func(latencySeconds float64)
}

func (c Config) pageSize() int        { return 1 << c.PageBits }
func (c Config) numPageSlots() uint64 { return uint64(1) << (c.MemoryBits - c.PageBits) }

// Allocator owns the hybrid log's address space, the resident page
// ring, and the flush pipeline that evicts pages to a device.Device as
// the tail advances past them.
type Allocator struct {
	cfg    Config
	buffer *pagebuffer.Buffer
	device device.Device
	epoch  *epoch.Manager
	log    logging.Logger

	begin    atomic.Uint64
	head     atomic.Uint64
	readOnly atomic.Uint64
	tail     atomic.Uint64

	closed atomic.Bool

	flush *flushPipeline
	reads *inFlightReads
}

// NewAllocator creates an allocator over dev, with the log's
// TailAddress (and hence BeginAddress/HeadAddress/ReadOnlyAddress)
// starting at address 1 (address 0 is reserved invalid).
func NewAllocator(cfg Config, dev device.Device, mgr *epoch.Manager, log logging.Logger) (*Allocator, error) {
	if cfg.MutableFraction <= 0 || cfg.MutableFraction > 1 {
		return nil, fmt.Errorf("hlog: MutableFraction must be in (0,1], got %v", cfg.MutableFraction)
	}
	if cfg.MemoryBits < cfg.PageBits {
		return nil, fmt.Errorf("hlog: MemoryBits must be >= PageBits")
	}
	buf, err := pagebuffer.New(cfg.pageSize(), cfg.numPageSlots())
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NewNop()
	}

	a := &Allocator{
		cfg:    cfg,
		buffer: buf,
		device: dev,
		epoch:  mgr,
		log:    log,
		reads:  newInFlightReads(),
	}
	a.begin.Store(1)
	a.head.Store(1)
	a.readOnly.Store(1)
	a.tail.Store(1)
	a.flush = newFlushPipeline(a)
	return a, nil
}

func (a *Allocator) BeginAddress() address.Address    { return address.Address(a.begin.Load()) }
func (a *Allocator) HeadAddress() address.Address     { return address.Address(a.head.Load()) }
func (a *Allocator) ReadOnlyAddress() address.Address { return address.Address(a.readOnly.Load()) }
func (a *Allocator) TailAddress() address.Address     { return address.Address(a.tail.Load()) }

func (a *Allocator) Boundaries() address.Boundaries {
	return address.Boundaries{
		Begin:    a.BeginAddress(),
		Head:     a.HeadAddress(),
		ReadOnly: a.ReadOnlyAddress(),
		Tail:     a.TailAddress(),
	}
}

// maxLiveSpan is the largest TailAddress-HeadAddress gap the resident
// page ring can hold: (numSlots-1) pages, leaving one slot of
// headroom so the page currently being allocated is never the same
// slot as the oldest still-resident page.
func (a *Allocator) maxLiveSpan() uint64 {
	return (a.buffer.NumSlots() - 1) << a.cfg.PageBits
}

// Allocate reserves size bytes at the tail, padding to the next page
// if the record would otherwise straddle a page boundary, and returns
// the address the record should be written at. Returns ErrNeedsRefresh
// if doing so would overrun the resident window.
func (a *Allocator) Allocate(size int) (address.Address, error) {
	if a.closed.Load() {
		return address.Invalid, ErrClosed
	}
	if size <= 0 || size > a.cfg.pageSize() {
		return address.Invalid, fmt.Errorf("hlog: record size %d exceeds page size %d", size, a.cfg.pageSize())
	}

	for {
		cur := a.tail.Load()
		start := address.Address(cur)

		startPage := start.Page(a.cfg.PageBits)
		end := address.Address(uint64(start) + uint64(size) - 1)
		endPage := end.Page(a.cfg.PageBits)

		skipFrom := address.Invalid
		if startPage != endPage {
			// the record would straddle a page boundary: skip the rest
			// of this page and retry the reservation from the next one.
			skipFrom = start
			start = address.PageStart(startPage+1, a.cfg.PageBits)
			end = address.Address(uint64(start) + uint64(size) - 1)
			endPage = end.Page(a.cfg.PageBits)
		}

		newTail := uint64(end) + 1

		head := a.head.Load()
		if newTail-head > a.maxLiveSpan() {
			return address.Invalid, ErrNeedsRefresh
		}

		if !a.tail.CompareAndSwap(cur, newTail) {
			continue
		}

		if err := a.ensurePageAllocated(endPage); err != nil {
			return address.Invalid, err
		}
		if skipFrom.IsValid() {
			a.markPagePadding(skipFrom)
		}
		return start, nil
	}
}

// markPagePadding writes a fake invalid record spanning the remainder
// of at's page, starting at at, so a recovery replay can skip the
// bytes a page-straddle skip left behind without mistaking them for a
// real (if oddly zero-valued) record.
func (a *Allocator) markPagePadding(at address.Address) {
	pbuf, ok := a.buffer.GetPage(at.Page(a.cfg.PageBits))
	if !ok {
		return
	}
	off := at.Offset(a.cfg.PageBits)
	region := pbuf[off:]
	if len(region) < headerSize+8 {
		// Too small to hold even an empty marker's key/value length
		// fields, so it can't be made self-describing. Left unmarked,
		// but this still can't be mistaken for a record on replay:
		// Decode itself refuses anything shorter than headerSize+8 (see
		// record.go), so a replay or recovery scan landing here moves
		// on to the next page, just as it does after a marked gap.
		return
	}
	region[0] = flagInvalid
	putUint48(region[1:7], 0)
	region[7] = presenceByte
	binary.BigEndian.PutUint32(region[8:12], 0)
	binary.BigEndian.PutUint32(region[12:16], uint32(len(region)-headerSize-8))
}

// ensurePageAllocated makes sure page has a resident slot, tolerating
// the race where two Allocate calls cross into the same new page at
// once - only one of them actually performs the pagebuffer transition,
// the other observes it already done.
func (a *Allocator) ensurePageAllocated(page uint64) error {
	if _, ok := a.buffer.GetPage(page); ok {
		return nil
	}
	if _, err := a.buffer.Allocate(page); err != nil {
		if _, ok := a.buffer.GetPage(page); ok {
			return nil
		}
		return fmt.Errorf("hlog: allocating page %d: %w", page, err)
	}
	return nil
}

// GetPhysical resolves addr. If addr is in the resident window
// [HeadAddress, TailAddress), it returns a pointer directly. Otherwise
// it is below HeadAddress and must be read from the device: GetPhysical
// starts (or joins) that read and returns pending=true; continuation
// is invoked exactly once, possibly from a different goroutine, once
// the read completes.
func (a *Allocator) GetPhysical(ctx context.Context, addr address.Address, continuation func(buf []byte, err error)) (buf []byte, pending bool, err error) {
	if addr < a.BeginAddress() {
		return nil, false, ErrTruncated
	}

	head := a.head.Load()
	if uint64(addr) >= head {
		page := addr.Page(a.cfg.PageBits)
		pbuf, ok := a.buffer.GetPage(page)
		if !ok {
			return nil, false, fmt.Errorf("hlog: address %s page not resident despite being above head", addr)
		}
		off := addr.Offset(a.cfg.PageBits)
		return pbuf[off:], false, nil
	}

	a.reads.read(ctx, a, addr, continuation)
	return nil, true, nil
}

// AdvanceBoundaries grows ReadOnlyAddress so the mutable region
// (ReadOnlyAddress..TailAddress) stays sized at Config.MutableFraction
// of the resident span, then grows HeadAddress to chase ReadOnlyAddress
// as far as the flush pipeline allows - evicting everything durable
// that's fallen out of the mutable window. Meant to be called
// periodically by the owning store's maintenance loop, proactively
// keeping tail-head within maxLiveSpan rather than letting Allocate
// discover the gap is too wide only once it has nowhere left to grow.
// Safe to call from just one goroutine at a time (the loop owns it),
// though the shifts it calls are themselves safe to race with Allocate.
func (a *Allocator) AdvanceBoundaries() {
	span := a.maxLiveSpan()
	begin := uint64(a.BeginAddress())
	tail := uint64(a.TailAddress())

	mutableSpan := uint64(a.cfg.MutableFraction * float64(span))
	if live := tail - begin; mutableSpan > live {
		mutableSpan = live
	}
	if desiredReadOnly := tail - mutableSpan; desiredReadOnly > uint64(a.ReadOnlyAddress()) {
		_ = a.ShiftReadOnlyAddress(address.Address(desiredReadOnly))
	}

	if readOnly := a.ReadOnlyAddress(); readOnly > a.HeadAddress() {
		if err := a.ShiftHeadAddress(readOnly); err != nil {
			// Expected under normal load: the pages this would cross
			// haven't finished flushing yet. The next tick retries.
			a.log.Debugf("log maintenance: head not ready to advance to %s: %v", readOnly, err)
		}
	}
}

// ShiftReadOnlyAddress advances ReadOnlyAddress to target, closing
// every newly-crossed page for writes and submitting it to the flush
// pipeline. Non-blocking: the flush completes asynchronously.
func (a *Allocator) ShiftReadOnlyAddress(target address.Address) error {
	for {
		cur := a.readOnly.Load()
		if uint64(target) <= cur {
			return nil
		}
		if !a.readOnly.CompareAndSwap(cur, uint64(target)) {
			continue
		}
		a.flush.closeAndSubmit(address.Address(cur), target)
		return nil
	}
}

// ShiftHeadAddress advances HeadAddress to target. Only permitted once
// every page target crosses has been fully flushed; returns an error
// otherwise. Evicting the pages this crosses is deferred to the epoch
// manager so no in-flight reader is left holding a stale pointer.
func (a *Allocator) ShiftHeadAddress(target address.Address) error {
	if target > a.ReadOnlyAddress() {
		return fmt.Errorf("hlog: cannot shift head past read-only address")
	}
	flushed := a.flush.flushedUpTo()
	if uint64(target) > flushed {
		return fmt.Errorf("hlog: cannot shift head to %s, only flushed up to address %d", target, flushed)
	}

	for {
		cur := a.head.Load()
		if uint64(target) <= cur {
			return nil
		}
		if !a.head.CompareAndSwap(cur, uint64(target)) {
			continue
		}
		a.deferEviction(address.Address(cur), target)
		return nil
	}
}

// deferEviction schedules every page fully below target for eviction
// once no active epoch predates the epoch bumped at this shift.
func (a *Allocator) deferEviction(oldHead, target address.Address) {
	epochAtShift := a.epoch.BumpEpoch()
	firstPage := oldHead.Page(a.cfg.PageBits)
	lastPage := address.Address(uint64(target) - 1).Page(a.cfg.PageBits)

	for p := firstPage; p <= lastPage; p++ {
		page := p
		a.epoch.DeferUntil(epochAtShift, func() {
			if err := a.buffer.Evict(page); err != nil {
				a.log.Warnf("evict page %d: %v", page, err)
			}
		})
	}
}

// ShiftBeginAddress truncates the log logically: addresses below
// target become unreachable, and the device is told it may reclaim
// the corresponding storage.
func (a *Allocator) ShiftBeginAddress(target address.Address) error {
	for {
		cur := a.begin.Load()
		if uint64(target) <= cur {
			return nil
		}
		if !a.begin.CompareAndSwap(cur, uint64(target)) {
			continue
		}
		belowPage := target.Page(a.cfg.PageBits)
		return a.device.Truncate(belowPage)
	}
}

// FlushedUpTo reports the highest address below which every page has
// been durably written to the device - the bound ShiftHeadAddress
// enforces, exposed so a checkpoint can wait for its log cut to be
// fully flushed (the "fuzzy" checkpoint variety's WAIT_FLUSH phase).
func (a *Allocator) FlushedUpTo() address.Address {
	return address.Address(a.flush.flushedUpTo())
}

// Replay reads every record in [from, to) directly from the device,
// in address order, invoking visit once per record - including
// records marked invalid, which the caller should normally skip, and
// the synthetic padding records markPagePadding leaves behind where a
// page-straddle skip jumped the tail forward. visit returning false
// stops the replay early. Used only at recovery time, before any
// session has started issuing ops, so it bypasses the resident page
// buffer and epoch machinery entirely and reads straight from the
// device.
func (a *Allocator) Replay(ctx context.Context, from, to address.Address, visit func(addr address.Address, rec Record, invalid bool) bool) error {
	pageSize := a.cfg.pageSize()
	for cur := from; cur < to; {
		page := cur.Page(a.cfg.PageBits)
		buf := make([]byte, pageSize)
		errc := make(chan error, 1)
		a.device.ReadPage(ctx, page, buf, func(err error) { errc <- err })
		if err := <-errc; err != nil {
			return fmt.Errorf("hlog: replay reading page %d: %w", page, err)
		}

		off := cur.Offset(a.cfg.PageBits)
		for off < uint64(pageSize) {
			addr := address.PageStart(page, a.cfg.PageBits) + address.Address(off)
			if addr >= to {
				break
			}
			rec, size, ok := Decode(buf[off:])
			if !ok || size == 0 {
				break
			}
			if !visit(addr, rec, IsInvalid(buf[off:off+1])) {
				return nil
			}
			off += uint64(size)
		}
		cur = address.PageStart(page+1, a.cfg.PageBits)
	}
	return nil
}

// Recover reinitializes the allocator's address space after a crash. It
// must be called exactly once, immediately after NewAllocator and
// before any Allocate call. begin is the log's new BeginAddress
// (ordinarily the last checkpoint's BeginAddress, or 1 if the log was
// never truncated); scanFrom is where to start looking for the true
// end of the durably written log - ordinarily the last checkpoint's
// Cut, or begin if no checkpoint was ever taken.
//
// Recover scans forward page by page, decoding records as Replay does.
// An end-of-page remainder too small to hold a record moves the scan on
// to the next page; the first record that otherwise fails to decode is
// the boundary between durably flushed data and whatever was only ever
// in memory (or never written at all) when the crash happened. A
// boundary in mid-page is rounded up to the next page start (see
// below). BeginAddress is set to begin; HeadAddress, ReadOnlyAddress
// and TailAddress are set to the boundary, and the recovered tail is
// returned so the caller can resume replaying the index (or logging)
// from the same point.
func (a *Allocator) Recover(ctx context.Context, begin, scanFrom address.Address) (address.Address, error) {
	pageSize := a.cfg.pageSize()
	cur := scanFrom

scan:
	for {
		page := cur.Page(a.cfg.PageBits)
		buf := make([]byte, pageSize)
		errc := make(chan error, 1)
		a.device.ReadPage(ctx, page, buf, func(err error) { errc <- err })
		if err := <-errc; err != nil {
			break scan
		}

		off := cur.Offset(a.cfg.PageBits)
		for off < uint64(pageSize) {
			if uint64(pageSize)-off < headerSize+8 {
				// an unmarked page-end gap (see markPagePadding): too
				// small for any record, so the log goes on at the next page.
				break
			}
			_, size, ok := Decode(buf[off:])
			if !ok || size == 0 {
				break scan
			}
			off += uint64(size)
			cur = address.PageStart(page, a.cfg.PageBits) + address.Address(off)
		}
		cur = address.PageStart(page+1, a.cfg.PageBits)
	}

	// cur may land mid-page, with real flushed records still sitting in
	// [pageStart, cur) on the device. The resident buffer a fresh
	// Allocator starts with is empty, and the first write into that
	// page would zero it out from scratch (same as any other page
	// transitioning from Evicted to Allocated) - so resuming appends
	// there would eventually flush those zeros back over the genuine
	// records still needed below BeginAddress. Round up to the next
	// page instead and leave the remainder of the partial page alone,
	// the same way a page-straddling record gives up on a page rather
	// than letting a write split across the boundary. Address 1, the
	// first valid address, has nothing below it to protect.
	if cur.Offset(a.cfg.PageBits) != 0 && cur > address.Address(1) {
		cur = address.PageStart(cur.Page(a.cfg.PageBits)+1, a.cfg.PageBits)
	}

	a.begin.Store(uint64(begin))
	a.head.Store(uint64(cur))
	a.readOnly.Store(uint64(cur))
	a.tail.Store(uint64(cur))

	// every page below cur is already on the device, so the flush
	// watermark starts at cur's page rather than at BeginAddress's.
	a.flush.mu.Lock()
	a.flush.nextToFlush = cur.Page(a.cfg.PageBits)
	a.flush.flushedUpToPg = a.flush.nextToFlush
	a.flush.flushedBefore = make(map[uint64]bool)
	a.flush.mu.Unlock()
	return cur, nil
}

// Close shuts down the allocator's background flush bookkeeping and
// the underlying device. No further operations may be issued.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.device.Close()
}

// PendingIO reports how many distinct pages currently have a device
// read in flight, for the store's pending_io_queue_depth gauge.
func (a *Allocator) PendingIO() int {
	return a.reads.byPage.Size()
}

// inFlightReads deduplicates concurrent reads of the same on-device
// page: the first caller to touch a cold page issues the device read,
// every subsequent caller for the same page before it completes joins
// the same read instead of issuing a redundant one.
type inFlightReads struct {
	byPage *xsync.MapOf[uint64, *inflightPageRead]
}

type inflightPageRead struct {
	mu      sync.Mutex
	done    bool
	buf     []byte
	err     error
	waiters []func([]byte, error)
}

func newInFlightReads() *inFlightReads {
	return &inFlightReads{byPage: xsync.NewMapOf[uint64, *inflightPageRead]()}
}

func (r *inFlightReads) read(ctx context.Context, a *Allocator, addr address.Address, continuation func([]byte, error)) {
	page := addr.Page(a.cfg.PageBits)
	off := addr.Offset(a.cfg.PageBits)

	wrap := func(buf []byte, err error) {
		if err != nil {
			continuation(nil, err)
			return
		}
		continuation(buf[off:], nil)
	}

	ent, loaded := r.byPage.LoadOrStore(page, &inflightPageRead{})
	ent.mu.Lock()
	if ent.done {
		buf, err := ent.buf, ent.err
		ent.mu.Unlock()
		wrap(buf, err)
		return
	}
	ent.waiters = append(ent.waiters, wrap)
	first := !loaded
	ent.mu.Unlock()

	if !first {
		return
	}

	buf := make([]byte, a.cfg.pageSize())
	a.device.ReadPage(ctx, page, buf, func(err error) {
		ent.mu.Lock()
		ent.done = true
		ent.buf = buf
		ent.err = err
		waiters := ent.waiters
		ent.mu.Unlock()

		r.byPage.Delete(page)
		for _, w := range waiters {
			w(buf, err)
		}
	})
}
