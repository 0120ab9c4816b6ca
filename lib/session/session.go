package session

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/hlogdb/hlogdb/lib/engine"
	"github.com/hlogdb/hlogdb/lib/epoch"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/util"
)

// defaultRefreshEvery matches SPEC_FULL.md §4.6's practical default:
// refresh every ~256 ops so log boundary shifts and checkpoint phase
// transitions aren't starved by a session that never calls Refresh.
const defaultRefreshEvery = 256

// maxBackpressureRetries bounds how many times Upsert/RMW/Delete will
// refresh-and-retry after hlog.ErrNeedsRefresh before giving up and
// surfacing the error - the log's maintenance loop (lib/store, not
// this package) is expected to free space well within this budget.
const maxBackpressureRetries = 100_000

type completion struct {
	run func()
}

// Session is the unit of thread-affinity: acquire one per goroutine
// (or OS thread, for an affinitized session) that talks to the store.
// A Session must not be used from more than one goroutine at a time.
type Session struct {
	eng   *engine.Engine
	guard *epoch.Guard

	pending      *util.Queue[completion]
	pendingCount atomic.Int64

	opsSinceRefresh int
	refreshEvery    int

	disposed atomic.Bool
}

// New acquires an epoch slot and returns a Session bound to eng.
// refreshEvery <= 0 selects SPEC_FULL.md's practical default of 256.
func New(eng *engine.Engine, mgr *epoch.Manager, refreshEvery int) (*Session, error) {
	if refreshEvery <= 0 {
		refreshEvery = defaultRefreshEvery
	}
	g, err := mgr.Acquire()
	if err != nil {
		return nil, err
	}
	return &Session{
		eng:          eng,
		guard:        g,
		pending:      util.NewQueue[completion](),
		refreshEvery: refreshEvery,
	}, nil
}

// Refresh republishes this session's epoch. Called automatically every
// refreshEvery ops; callers doing long stretches of work outside of
// session methods (e.g. spinning on backpressure elsewhere) should
// call it directly on the same cadence.
func (s *Session) Refresh() {
	s.guard.Refresh()
	s.opsSinceRefresh = 0
}

func (s *Session) tick() {
	s.opsSinceRefresh++
	if s.opsSinceRefresh >= s.refreshEvery {
		s.Refresh()
	}
}

// Read resolves key's current value through the engine. If the record
// is resident, it returns synchronously. Otherwise it returns
// pending=true and onComplete is invoked later - from this session's
// own goroutine, during a subsequent CompletePending call - once the
// device read finishes.
func (s *Session) Read(ctx context.Context, key []byte, onComplete func(value []byte, err error)) (value []byte, pending bool, err error) {
	if s.disposed.Load() {
		return nil, false, ErrDisposed
	}
	s.tick()

	val, isPending, rerr := s.eng.Read(ctx, key, func(v []byte, cerr error) {
		s.enqueueCompletion(func() { onComplete(v, cerr) })
	})
	if isPending {
		s.pendingCount.Add(1)
	}
	return val, isPending, rerr
}

// Upsert writes value for key, refreshing and retrying if the
// allocator reports backpressure.
func (s *Session) Upsert(ctx context.Context, key, value []byte) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.tick()
	return s.retryBackpressure(func() error {
		return s.eng.Upsert(ctx, key, value)
	})
}

// RMW applies a read-modify-write to key. Like Read, it may go
// pending if the current value must be fetched from the device; in
// that case onComplete is invoked later from this session's own
// goroutine via CompletePending.
func (s *Session) RMW(ctx context.Context, key, input []byte, onComplete func(error)) (pending bool, err error) {
	if s.disposed.Load() {
		return false, ErrDisposed
	}
	s.tick()

	var isPending bool
	rerr := s.retryBackpressure(func() error {
		p, e := s.eng.RMW(ctx, key, input, func(cerr error) {
			s.enqueueCompletion(func() { onComplete(cerr) })
		})
		isPending = p
		return e
	})
	if isPending {
		s.pendingCount.Add(1)
	}
	return isPending, rerr
}

// Delete appends a tombstone for key, refreshing and retrying on
// backpressure.
func (s *Session) Delete(ctx context.Context, key []byte) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.tick()
	return s.retryBackpressure(func() error {
		return s.eng.Delete(ctx, key)
	})
}

// CompletePending drains completions for ops that went pending. If
// wait is false, it drains whatever is already available and returns
// immediately. If wait is true, it suspends this session's epoch guard
// (so a long wait here doesn't hold back log boundary shifts or a
// checkpoint) and blocks until every outstanding op has completed.
func (s *Session) CompletePending(wait bool) error {
	if s.disposed.Load() {
		return ErrDisposed
	}

	if !wait {
		s.drain()
		return nil
	}

	s.guard.Suspend()
	defer s.guard.Resume()
	for s.pendingCount.Load() > 0 {
		if s.drain() == 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// PendingCount reports how many issued ops have not yet had their
// completion drained by CompletePending. Used by the checkpoint
// coordinator's WAIT_PENDING phase to tell when a registered session
// has nothing outstanding.
func (s *Session) PendingCount() int64 {
	return s.pendingCount.Load()
}

func (s *Session) drain() int {
	return s.pending.DrainAll(func(c *completion) {
		c.run()
		s.pendingCount.Add(-1)
	})
}

func (s *Session) enqueueCompletion(run func()) {
	s.pending.Enqueue(&completion{run: run})
}

// Dispose releases this session's epoch slot. It fails with
// ErrPendingOnClose if ops remain outstanding - the caller must call
// CompletePending(true) first. Safe to call more than once.
func (s *Session) Dispose() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if s.pendingCount.Load() > 0 {
		s.disposed.Store(false)
		return ErrPendingOnClose
	}
	s.pending.Close()
	s.guard.Release()
	return nil
}

func (s *Session) retryBackpressure(fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, hlog.ErrNeedsRefresh) {
			return err
		}
		if attempt >= maxBackpressureRetries {
			return err
		}
		s.Refresh()
		runtime.Gosched()
	}
}
