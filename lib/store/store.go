package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/checkpoint"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/config"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/engine"
	"github.com/hlogdb/hlogdb/lib/epoch"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
	"github.com/hlogdb/hlogdb/lib/logging"
	"github.com/hlogdb/hlogdb/lib/metrics"
	"github.com/hlogdb/hlogdb/lib/session"
)

// indexSlotsPerBucket mirrors lib/index's fixed per-bucket data-slot
// count, used only to turn Index.LoadStats' per-bucket occupancy
// samples into a [0,1]-ish load factor for the metrics gauge.
const indexSlotsPerBucket = 7

// metricsPollInterval is how often Store's background goroutine
// refreshes the epoch/checkpoint-phase/index-load/pending-IO gauges.
// Independent of config.StoreConfig.GCIntervalSeconds, which governs
// log maintenance rather than metrics freshness.
const metricsPollInterval = time.Second

// defaultMaintenanceInterval is used when GCIntervalSeconds is <= 0.
const defaultMaintenanceInterval = time.Minute

// Store is the process-visible handle for one hybrid-log key-value
// store. See doc.go for the rationale behind this replacing the
// teacher's IStore/lstore/dstore split.
type Store struct {
	cfg    config.StoreConfig
	device device.Device
	fns    codec.Functions

	mgr   *epoch.Manager
	alloc *hlog.Allocator
	idx   *index.Index
	eng   *engine.Engine
	coord *checkpoint.Coordinator
	meta  *checkpoint.MetadataStore

	log     logging.Logger
	metrics *metrics.Recorder

	closed      atomic.Bool
	metricsStop chan struct{}
	metricsDone chan struct{}
	gcStop      chan struct{}
	gcDone      chan struct{}
}

// NewStore constructs a Store over dev using fns as the key/value
// codec, recovering from the latest completed checkpoint (if any) and
// replaying whatever the log durably holds past that checkpoint's cut,
// exactly as checkpoint.Recover documents. A brand new, empty dev
// recovers to an empty store starting at address 1.
func NewStore(cfg config.StoreConfig, dev device.Device, fns codec.Functions) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevelParsed()
	log := logging.NewSubsystem("store", level)

	mgr := epoch.NewManager(0)
	rec := metrics.NewRecorder(fmt.Sprintf("%p", dev))

	alloc, err := hlog.NewAllocator(hlog.Config{
		PageBits:        cfg.PageBits,
		MemoryBits:      cfg.MemoryBits,
		SegmentBits:     cfg.SegmentBits,
		MutableFraction: cfg.MutableFraction,
		OnFlush:         rec.ObserveFlushLatencySeconds,
	}, dev, mgr, logging.NewSubsystem("hlog", level))
	if err != nil {
		return nil, fmt.Errorf("store: constructing allocator: %w", err)
	}

	checkpointDir := cfg.CheckpointDir
	if checkpointDir == "" {
		checkpointDir = "checkpoints"
	}
	meta, err := checkpoint.NewMetadataStore(checkpointDir)
	if err != nil {
		return nil, fmt.Errorf("store: constructing metadata store: %w", err)
	}

	idx, _, _, err := checkpoint.Recover(context.Background(), meta, alloc, cfg.NumBuckets, fns.Hash)
	if err != nil {
		return nil, fmt.Errorf("store: recovering: %w", err)
	}

	eng := engine.New(idx, alloc, fns, engine.Options{CopyReadsToTail: cfg.CopyReadsToTail}, logging.NewSubsystem("engine", level))
	coord := checkpoint.New(mgr, alloc, idx, meta, logging.NewSubsystem("checkpoint", level))

	st := &Store{
		cfg:         cfg,
		device:      dev,
		fns:         fns,
		mgr:         mgr,
		alloc:       alloc,
		idx:         idx,
		eng:         eng,
		coord:       coord,
		meta:        meta,
		log:         log,
		metrics:     rec,
		metricsStop: make(chan struct{}),
		metricsDone: make(chan struct{}),
		gcStop:      make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	go st.pollMetrics()
	go st.maintainLog()
	return st, nil
}

// pollMetrics periodically refreshes the gauges that have no natural
// call site of their own (epoch value, checkpoint phase, index load
// factor, pending device IO) until metricsStop is closed.
func (s *Store) pollMetrics() {
	defer close(s.metricsDone)
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.metrics.SetEpochValue(s.mgr.CurrentEpoch())
			s.metrics.SetCheckpointPhase(int(s.coord.Phase()))
			s.metrics.SetIndexLoadFactor(s.idx.LoadStats().Mean / indexSlotsPerBucket)
			s.metrics.SetPendingIOQueueDepth(s.alloc.PendingIO())
		case <-s.metricsStop:
			return
		}
	}
}

// maintainLog periodically grows ReadOnlyAddress and HeadAddress so the
// mutable/read-only/evicted regions of the log keep pace with the
// tail, instead of only ever moving on a checkpoint's WAIT_FLUSH step
// (ShiftReadOnlyAddress) or never at all (ShiftHeadAddress, which
// nothing else in the store calls). Without this, a store that writes
// more than its resident window over its lifetime hits ErrNeedsRefresh
// on every Upsert/RMW/Delete permanently, since HeadAddress never
// advances past its initial value.
func (s *Store) maintainLog() {
	defer close(s.gcDone)
	interval := time.Duration(s.cfg.GCIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.alloc.AdvanceBoundaries()
		case <-s.gcStop:
			return
		}
	}
}

// NewSession acquires a new session bound to this store. The session
// is automatically registered with the checkpoint coordinator's
// session registry and deregistered when Session.Dispose is called.
func (s *Store) NewSession() (*Session, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sess, err := session.New(s.eng, s.mgr, 0)
	if err != nil {
		return nil, fmt.Errorf("store: creating session: %w", err)
	}
	id := uuid.New()
	s.coord.RegisterSession(id, sess)
	return &Session{Session: sess, store: s, id: id}, nil
}

// Checkpoint drives one checkpoint of the given kind to completion and
// returns its token. kind is used as given; DefaultCheckpointKind
// returns the kind the store's config names.
func (s *Store) Checkpoint(ctx context.Context, kind checkpoint.Kind) (checkpoint.Token, error) {
	if s.closed.Load() {
		return checkpoint.Token{}, ErrClosed
	}
	token, err := s.coord.Begin(ctx, kind)
	s.metrics.ObserveCheckpoint(err == nil)
	return token, err
}

// DefaultCheckpointKind maps the store's configured
// config.CheckpointKind to the checkpoint.Kind Begin expects.
// CheckpointKindIndexOnly is driven through the same coordinator path
// as CheckpointKindFuzzy - see config.CheckpointKindIndexOnly's doc
// comment for why the distinction is advisory rather than a separate
// code path.
func (s *Store) DefaultCheckpointKind() checkpoint.Kind {
	switch s.cfg.CheckpointKind {
	case config.CheckpointKindSnapshot:
		return checkpoint.KindSnapshot
	default:
		return checkpoint.KindFuzzy
	}
}

// Recover reinitializes this store from an explicit past checkpoint
// token rather than whatever NewStore last loaded. It is intended for
// use immediately after NewStore, before any session has issued a
// write: every *Session acquired before this call keeps a reference to
// the pre-recovery engine and will not observe the rebuilt index.
//
// Unlike NewStore's path (checkpoint.Recover), this rebuilds the index
// strictly as of token's cut: it does not replay [cut, tail) back into
// the index the way checkpoint.Recover does for the latest checkpoint.
// An explicit-token recovery is a deliberate rollback to a named past
// point, so whatever was appended after that checkpoint's cut - durable
// or not - is intentionally left out of the rebuilt index, even though
// Allocator.Recover still rescans the log for its own bookkeeping.
func (s *Store) Recover(ctx context.Context, token checkpoint.Token) error {
	if s.closed.Load() {
		return ErrClosed
	}
	meta, entries, err := s.meta.Load(token.ID)
	if err != nil {
		return fmt.Errorf("store: loading checkpoint %s: %w", token.ID, err)
	}
	idx, err := index.RestoreBuckets(s.cfg.NumBuckets, entries)
	if err != nil {
		return fmt.Errorf("store: restoring index snapshot: %w", err)
	}
	if meta.Kind == checkpoint.KindSnapshot && meta.SnapshotID != uuid.Nil {
		records, err := s.meta.LoadSnapshot(meta.SnapshotID)
		if err != nil {
			return fmt.Errorf("store: loading mutable-region snapshot %s: %w", meta.SnapshotID, err)
		}
		if err := checkpoint.ApplyRawRecords(idx, records, s.fns.Hash); err != nil {
			return fmt.Errorf("store: applying mutable-region snapshot %s: %w", meta.SnapshotID, err)
		}
	}
	if _, err := s.alloc.Recover(ctx, meta.BeginAddress, meta.Cut); err != nil {
		return fmt.Errorf("store: rescanning log: %w", err)
	}

	level := s.cfg.LogLevelParsed()
	s.idx = idx
	s.eng = engine.New(idx, s.alloc, s.fns, engine.Options{CopyReadsToTail: s.cfg.CopyReadsToTail}, logging.NewSubsystem("engine", level))
	s.coord = checkpoint.New(s.mgr, s.alloc, idx, s.meta, logging.NewSubsystem("checkpoint", level))
	return nil
}

// Close releases every resource this store owns. Sessions must be
// disposed by their owners before calling Close.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.metricsStop)
	<-s.metricsDone
	close(s.gcStop)
	<-s.gcDone
	s.metrics.Unregister()
	return s.alloc.Close()
}
