package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
	"github.com/hlogdb/hlogdb/lib/logging"
)

// noopContinuation is handed to GetPhysical wherever the caller has
// already established the target address must be resident (freshly
// allocated, or known >= ReadOnlyAddress); it only exists so a stray
// eviction race can never invoke a nil func.
var noopContinuation = func([]byte, error) {}

// Options configures engine behavior that doesn't belong to the log or
// index geometry themselves.
type Options struct {
	// CopyReadsToTail migrates a record served from the immutable or
	// on-device region to a fresh tail copy, CASing the index to point
	// at it, so a hot read-mostly key gradually moves into the mutable
	// region instead of staying a disk hit forever.
	CopyReadsToTail bool
}

// Engine runs the Read/Upsert/RMW/Delete state machine over one hash
// index and one hybrid log allocator.
type Engine struct {
	idx   *index.Index
	alloc *hlog.Allocator
	fns   codec.Functions
	log   logging.Logger
	opts  Options
}

// New builds an Engine over an already-constructed index and allocator.
func New(idx *index.Index, alloc *hlog.Allocator, fns codec.Functions, opts Options, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{idx: idx, alloc: alloc, fns: fns, log: log, opts: opts}
}

// Read looks up key and resolves its current value. If the record is
// resident, it returns synchronously (pending=false). If resolving it
// requires a device read, Read returns pending=true immediately and
// invokes onComplete exactly once, from whatever goroutine the
// device's read callback runs on, once the value (or NOT_FOUND /
// error) is known.
func (e *Engine) Read(ctx context.Context, key []byte, onComplete func(value []byte, err error)) (value []byte, pending bool, err error) {
	hash := e.fns.Hash(key)
	addr, found := e.idx.Lookup(hash)
	if !found || !addr.IsValid() {
		return nil, false, ErrNotFound
	}

	val, resolvedAddr, pending, err := e.resolveChain(ctx, key, addr, func(v []byte, a address.Address, rerr error) {
		e.fns.ReadCompleted(ctx, v, rerr)
		if rerr == nil && e.opts.CopyReadsToTail && a.IsValid() && a < e.alloc.ReadOnlyAddress() {
			e.copyToTail(hash, key, v, a)
		}
		onComplete(v, rerr)
	})
	if pending {
		return nil, true, nil
	}
	if err == nil && e.opts.CopyReadsToTail && resolvedAddr.IsValid() && resolvedAddr < e.alloc.ReadOnlyAddress() {
		e.copyToTail(hash, key, val, resolvedAddr)
	}
	return val, false, err
}

// resolveChain walks the record chain starting at addr looking for
// key, handling tombstones as NOT_FOUND. If every address along the
// way is resident, it returns synchronously. The first address found
// below HeadAddress suspends the walk: a continuation is registered
// with the allocator and sink is invoked (exactly once, by whichever
// goroutine resolves the whole chain) once the walk completes.
func (e *Engine) resolveChain(ctx context.Context, key []byte, addr address.Address, sink func(value []byte, at address.Address, err error)) (value []byte, at address.Address, pending bool, err error) {
	for {
		if !addr.IsValid() {
			return nil, address.Invalid, false, ErrNotFound
		}

		buf, isPending, gerr := e.alloc.GetPhysical(ctx, addr, func(pbuf []byte, rerr error) {
			e.onChainPage(ctx, key, addr, pbuf, rerr, sink)
		})
		if gerr != nil {
			if errors.Is(gerr, hlog.ErrTruncated) {
				return nil, address.Invalid, false, ErrNotFound
			}
			return nil, address.Invalid, false, gerr
		}
		if isPending {
			return nil, address.Invalid, true, nil
		}

		rec, _, ok := hlog.Decode(buf)
		if !ok {
			return nil, address.Invalid, false, fmt.Errorf("engine: corrupt record at %s", addr)
		}
		if e.fns.Equal(rec.Key, key) {
			if rec.Tombstone {
				return nil, address.Invalid, false, ErrNotFound
			}
			return e.readerFor(addr)(rec.Value), addr, false, nil
		}
		addr = rec.Previous
	}
}

// onChainPage is the continuation GetPhysical invokes once a page
// below HeadAddress has been read from the device. It resumes the
// chain walk from the page it was given, recursing into resolveChain
// if the walk isn't done yet (the next hop may itself be resident, or
// may need another device read).
func (e *Engine) onChainPage(ctx context.Context, key []byte, addr address.Address, buf []byte, err error, sink func([]byte, address.Address, error)) {
	if err != nil {
		sink(nil, address.Invalid, err)
		return
	}
	rec, _, ok := hlog.Decode(buf)
	if !ok {
		sink(nil, address.Invalid, fmt.Errorf("engine: corrupt record at %s", addr))
		return
	}
	if e.fns.Equal(rec.Key, key) {
		if rec.Tombstone {
			sink(nil, address.Invalid, ErrNotFound)
			return
		}
		sink(e.fns.SingleReader(rec.Value), addr, nil)
		return
	}

	val, at, pending, err := e.resolveChain(ctx, key, rec.Previous, sink)
	if !pending {
		sink(val, at, err)
	}
	// if pending, the recursive resolveChain call has already
	// registered the continuation that will eventually call sink.
}

// readerFor picks SingleReader or ConcurrentReader depending on
// whether addr falls in the mutable region, where a concurrent writer
// could still be touching the same bytes.
func (e *Engine) readerFor(addr address.Address) func([]byte) []byte {
	if addr >= e.alloc.ReadOnlyAddress() {
		return e.fns.ConcurrentReader
	}
	return e.fns.SingleReader
}

// Upsert writes value for key unconditionally, overwriting any
// existing value. Returns hlog.ErrNeedsRefresh if the allocator is
// under backpressure; the caller (normally the session, on behalf of
// whichever op triggered it) must refresh its epoch and retry.
func (e *Engine) Upsert(ctx context.Context, key, value []byte) error {
	hash := e.fns.Hash(key)

	for {
		addr, _ := e.idx.Lookup(hash)

		if addr.IsValid() && addr >= e.alloc.ReadOnlyAddress() {
			if ok, err := e.tryInPlace(ctx, addr, key, value); err != nil {
				return err
			} else if ok {
				return nil
			}
		}

		newAddr, err := e.appendRecord(ctx, addr, key, value, false)
		if err != nil {
			return err
		}

		committed, err := e.idx.Compute(hash, func(old address.Address, found bool) (address.Address, bool) {
			if old != addr {
				return old, false
			}
			return newAddr, true
		})
		if err != nil {
			return err
		}
		if committed == newAddr {
			return nil
		}
		e.abandon(ctx, newAddr)
	}
}

// tryInPlace overwrites a resident mutable record's value in place if
// its key matches and the new value is exactly the same length as the
// old one (a length change would corrupt whatever record follows it in
// the log, so it always falls through to a tail append instead).
func (e *Engine) tryInPlace(ctx context.Context, addr address.Address, key, value []byte) (ok bool, err error) {
	buf, pending, gerr := e.alloc.GetPhysical(ctx, addr, noopContinuation)
	if gerr != nil || pending {
		return false, gerr
	}
	rec, _, decOK := hlog.Decode(buf)
	if !decOK || !e.fns.Equal(rec.Key, key) {
		return false, nil
	}
	if len(value) != len(rec.Value) {
		return false, nil
	}
	copy(rec.Value, value)
	return true, nil
}

// RMW applies a read-modify-write to key. If the current record is
// resident, mutable and the host's InPlaceUpdater accepts input
// without growing the value, RMW completes synchronously. Otherwise it
// falls through to a copy-update at a new tail address, fetching the
// old value first - which may itself require a device read, in which
// case RMW returns pending=true and invokes onComplete once the whole
// operation (read-old, compute-new, tail-append, index CAS) finishes.
func (e *Engine) RMW(ctx context.Context, key, input []byte, onComplete func(error)) (pending bool, err error) {
	hash := e.fns.Hash(key)

	for {
		addr, _ := e.idx.Lookup(hash)

		if addr.IsValid() && addr >= e.alloc.ReadOnlyAddress() {
			buf, pend, gerr := e.alloc.GetPhysical(ctx, addr, noopContinuation)
			if gerr != nil {
				return false, gerr
			}
			if !pend {
				rec, _, ok := hlog.Decode(buf)
				if ok && e.fns.Equal(rec.Key, key) && !rec.Tombstone {
					if newValue, accepted := e.fns.InPlaceUpdater(key, rec.Value, input); accepted {
						if len(newValue) == len(rec.Value) {
							copy(rec.Value, newValue)
							return false, nil
						}
					}
				}
			}
		}

		done, perr := e.rmwCopyUpdate(ctx, hash, addr, key, input, onComplete)
		if perr != nil {
			if perr == errLostRace {
				continue
			}
			return false, perr
		}
		return done, nil
	}
}

// errLostRace signals the index CAS in rmwCopyUpdate lost a race
// against a concurrent writer; RMW restarts its whole loop from a
// fresh lookup rather than retrying only the copy-update step, since
// the record it read the old value from may no longer be current.
var errLostRace = errors.New("engine: lost index race")

func (e *Engine) rmwCopyUpdate(ctx context.Context, hash uint64, addr address.Address, key, input []byte, onComplete func(error)) (pending bool, err error) {
	finish := func(oldValue []byte, rerr error) error {
		if rerr != nil && rerr != ErrNotFound {
			return rerr
		}
		newValue := e.fns.CopyUpdater(key, oldValue, input)
		newAddr, aerr := e.appendRecord(ctx, addr, key, newValue, false)
		if aerr != nil {
			return aerr
		}
		committed, cerr := e.idx.Compute(hash, func(old address.Address, found bool) (address.Address, bool) {
			if old != addr {
				return old, false
			}
			return newAddr, true
		})
		if cerr != nil {
			return cerr
		}
		if committed != newAddr {
			e.abandon(ctx, newAddr)
			return errLostRace
		}
		return nil
	}

	if !addr.IsValid() {
		return false, finish(nil, ErrNotFound)
	}

	val, _, isPending, rerr := e.resolveChain(ctx, key, addr, func(v []byte, _ address.Address, serr error) {
		ferr := finish(v, serr)
		if ferr == errLostRace {
			// restart from a fresh lookup, as the synchronous path
			// does: v no longer comes from the key's latest record.
			pend, rerr := e.RMW(ctx, key, input, onComplete)
			if pend {
				return
			}
			ferr = rerr
		}
		onComplete(ferr)
	})
	if isPending {
		return true, nil
	}
	return false, finish(val, rerr)
}

// Delete appends a tombstone record for key. A subsequent Read
// returning a tombstone is reported as NOT_FOUND.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	hash := e.fns.Hash(key)
	for {
		addr, _ := e.idx.Lookup(hash)
		newAddr, err := e.appendRecord(ctx, addr, key, nil, true)
		if err != nil {
			return err
		}
		committed, err := e.idx.Compute(hash, func(old address.Address, found bool) (address.Address, bool) {
			if old != addr {
				return old, false
			}
			return newAddr, true
		})
		if err != nil {
			return err
		}
		if committed == newAddr {
			return nil
		}
		e.abandon(ctx, newAddr)
	}
}

// appendRecord allocates and encodes a new record at the tail,
// chained to prev. The address returned by Allocate is always
// resident (it was just reserved), so the GetPhysical call below can
// never go pending.
func (e *Engine) appendRecord(ctx context.Context, prev address.Address, key, value []byte, tombstone bool) (address.Address, error) {
	size := hlog.Size(len(key), len(value))
	addr, err := e.alloc.Allocate(size)
	if err != nil {
		return address.Invalid, err
	}
	buf, pending, err := e.alloc.GetPhysical(ctx, addr, noopContinuation)
	if err != nil {
		return address.Invalid, err
	}
	if pending {
		return address.Invalid, fmt.Errorf("engine: freshly allocated address %s unexpectedly not resident", addr)
	}
	if _, err := hlog.Encode(buf, prev, tombstone, false, key, value); err != nil {
		return address.Invalid, err
	}
	return addr, nil
}

// abandon marks a speculatively tail-appended record invalid after
// losing the index CAS race to install it; replay and recovery scans
// skip invalid records.
func (e *Engine) abandon(ctx context.Context, addr address.Address) {
	buf, pending, err := e.alloc.GetPhysical(ctx, addr, noopContinuation)
	if err != nil || pending {
		return
	}
	hlog.MarkInvalid(buf)
}

// copyToTail migrates a value read from the immutable or on-device
// region to a fresh mutable copy at the tail, then CASes the index
// slot to point at it - best-effort: a lost CAS or backpressure error
// just leaves the original address in place, observable on the next
// read.
func (e *Engine) copyToTail(hash uint64, key, value []byte, oldAddr address.Address) {
	newAddr, err := e.appendRecord(context.Background(), oldAddr, key, value, false)
	if err != nil {
		e.log.Debugf("copy-reads-to-tail: append failed for key hash %d: %v", hash, err)
		return
	}
	committed, err := e.idx.Compute(hash, func(old address.Address, found bool) (address.Address, bool) {
		if old != oldAddr {
			return old, false
		}
		return newAddr, true
	})
	if err != nil || committed != newAddr {
		e.abandon(context.Background(), newAddr)
	}
}
