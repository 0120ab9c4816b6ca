package checkpoint

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/epoch"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
	"github.com/hlogdb/hlogdb/lib/logging"
	"github.com/hlogdb/hlogdb/lib/session"
	"github.com/puzpuzpuz/xsync/v3"
)

// Token identifies one completed checkpoint and the log cut it
// captured, returned to whoever called Begin.
type Token struct {
	ID  uuid.UUID
	Cut address.Address
}

// pollInterval is how often Begin's wait loops re-check a condition
// that has no push-based notification (safe epoch, session drain,
// flush watermark). Short enough that a checkpoint under normal load
// completes in a handful of iterations, long enough not to spin a core.
const pollInterval = time.Millisecond

// Coordinator drives one store through the checkpoint phase machine.
// One Coordinator belongs to exactly one store.Store, mirroring the
// one-Manager-per-store rule lib/epoch documents.
type Coordinator struct {
	mgr   *epoch.Manager
	alloc *hlog.Allocator
	idx   *index.Index
	store *MetadataStore
	log   logging.Logger

	sessions *xsync.MapOf[uuid.UUID, *session.Session]

	mu      sync.Mutex
	phase   atomic.Int32
	version atomic.Int64
	faulted atomic.Bool
}

// New creates a Coordinator over the given store components. log may
// be nil.
func New(mgr *epoch.Manager, alloc *hlog.Allocator, idx *index.Index, store *MetadataStore, log logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Coordinator{
		mgr:      mgr,
		alloc:    alloc,
		idx:      idx,
		store:    store,
		log:      log,
		sessions: xsync.NewMapOf[uuid.UUID, *session.Session](),
	}
}

// RegisterSession makes sess visible to a future checkpoint's
// WAIT_PENDING phase. Called once when a session is created.
func (c *Coordinator) RegisterSession(id uuid.UUID, sess *session.Session) {
	c.sessions.Store(id, sess)
}

// DeregisterSession removes sess from the registry. Called when a
// session is disposed.
func (c *Coordinator) DeregisterSession(id uuid.UUID) {
	c.sessions.Delete(id)
}

// Phase reports the coordinator's current position in the checkpoint
// state machine. PhaseRest outside of a Begin call.
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// Faulted reports whether this store has been marked faulted. A
// faulted store never completes another checkpoint.
func (c *Coordinator) Faulted() bool { return c.faulted.Load() }

// Fault marks the store faulted. Exposed so lib/store can poison
// checkpointing the moment the engine reports a fatal (non-logical)
// error, per SPEC_FULL.md's "checkpoints never complete on a faulted
// store" policy.
func (c *Coordinator) Fault() { c.faulted.Store(true) }

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.log.Debugf("checkpoint phase -> %s", p)
}

// Begin drives one checkpoint of the given kind through every phase and
// returns once it has been durably persisted. Only one checkpoint may
// run at a time; a concurrent call returns ErrInProgress.
func (c *Coordinator) Begin(ctx context.Context, kind Kind) (Token, error) {
	if c.faulted.Load() {
		return Token{}, ErrFaulted
	}
	if !c.mu.TryLock() {
		return Token{}, ErrInProgress
	}
	defer c.mu.Unlock()
	defer c.setPhase(PhaseRest)

	id, err := uuid.NewRandom()
	if err != nil {
		return Token{}, fmt.Errorf("checkpoint: generating checkpoint id: %w", err)
	}

	// REST -> PREPARE: bump the global epoch: every session observes
	// this the next time it refreshes.
	c.setPhase(PhasePrepare)
	target := c.mgr.BumpEpoch()
	if err := c.waitSafeEpoch(ctx, target); err != nil {
		return Token{}, err
	}

	// PREPARE -> IN_PROGRESS: every active session has now refreshed at
	// least once since PREPARE began. Cut the log at the tail, then
	// snapshot the index; the two are not taken atomically (see the
	// note on entries below), and recovery replays from the cut.
	c.setPhase(PhaseInProgress)
	readOnlyAtCut := c.alloc.ReadOnlyAddress()
	cut := c.alloc.TailAddress()
	entries := c.idx.SnapshotBuckets()

	// entries is "fuzzy": SnapshotBuckets walks the bucket array while
	// the mutable region [readOnlyAtCut, cut) may still be taking
	// writes from sessions that bumped their epoch but haven't yet
	// reached PREPARE's fence, so its view of that span's index entries
	// isn't guaranteed consistent with cut. For KindSnapshot, captureRange
	// gives recovery an authoritative, log-ordered reconstruction of that
	// same span to replay over entries' fuzzy view - see
	// checkpoint.ApplyRawRecords.
	var snapshotID uuid.UUID
	var rawRecords []RawRecord
	if kind == KindSnapshot && readOnlyAtCut < cut {
		rawRecords, err = captureRange(ctx, c.alloc, readOnlyAtCut, cut)
		if err != nil {
			return Token{}, fmt.Errorf("checkpoint: capturing mutable region: %w", err)
		}
		snapshotID, err = uuid.NewRandom()
		if err != nil {
			return Token{}, fmt.Errorf("checkpoint: generating snapshot id: %w", err)
		}
	}

	// IN_PROGRESS -> WAIT_PENDING: wait for every registered session to
	// have drained whatever ops were in flight when the cut was taken.
	c.setPhase(PhaseWaitPending)
	if err := c.waitSessionsDrained(ctx); err != nil {
		return Token{}, err
	}

	// WAIT_PENDING -> WAIT_FLUSH: close the log up to the cut for
	// writes and wait for every page below it to be durably flushed.
	c.setPhase(PhaseWaitFlush)
	if err := c.alloc.ShiftReadOnlyAddress(cut); err != nil {
		return Token{}, fmt.Errorf("checkpoint: cutting log at %s: %w", cut, err)
	}
	if err := c.waitFlushed(ctx, cut); err != nil {
		return Token{}, err
	}

	// WAIT_FLUSH -> PERSISTENCE_CALLBACK: persist metadata, the index
	// snapshot, and (for KindSnapshot) the raw mutable-region capture.
	c.setPhase(PhasePersistenceCallback)
	indexSnapshotID, err := uuid.NewRandom()
	if err != nil {
		return Token{}, fmt.Errorf("checkpoint: generating index snapshot id: %w", err)
	}
	meta := Metadata{
		ID:              id,
		Kind:            kind,
		Cut:             cut,
		BeginAddress:    c.alloc.BeginAddress(),
		IndexSnapshotID: indexSnapshotID,
		SnapshotID:      snapshotID,
		Version:         int(c.version.Add(1)),
		CreatedAtUnix:   time.Now().Unix(),
	}
	if snapshotID != uuid.Nil {
		meta.CaptureFrom = readOnlyAtCut
		if err := c.store.SaveSnapshot(snapshotID, rawRecords); err != nil {
			c.Fault()
			return Token{}, fmt.Errorf("checkpoint: persisting mutable-region snapshot: %w", err)
		}
	}
	if err := c.store.Save(meta, entries); err != nil {
		c.Fault()
		return Token{}, fmt.Errorf("checkpoint: persisting metadata: %w", err)
	}

	return Token{ID: id, Cut: cut}, nil
}

func (c *Coordinator) waitSafeEpoch(ctx context.Context, target uint64) error {
	for c.mgr.SafeEpoch() < target {
		if err := sleepOrDone(ctx); err != nil {
			return fmt.Errorf("checkpoint: waiting for sessions to observe PREPARE: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) waitSessionsDrained(ctx context.Context) error {
	for {
		drained := true
		c.sessions.Range(func(_ uuid.UUID, sess *session.Session) bool {
			if sess.PendingCount() > 0 {
				drained = false
				return false
			}
			return true
		})
		if drained {
			return nil
		}
		if err := sleepOrDone(ctx); err != nil {
			return fmt.Errorf("checkpoint: waiting for sessions to drain pending ops: %w", err)
		}
	}
}

func (c *Coordinator) waitFlushed(ctx context.Context, cut address.Address) error {
	for c.alloc.FlushedUpTo() < cut {
		if err := sleepOrDone(ctx); err != nil {
			return fmt.Errorf("checkpoint: waiting for log to flush up to %s: %w", cut, err)
		}
	}
	return nil
}

func sleepOrDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
		runtime.Gosched()
		return nil
	}
}
