package checkpoint

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/engine"
	"github.com/hlogdb/hlogdb/lib/epoch"
	"github.com/hlogdb/hlogdb/lib/hlog"
	"github.com/hlogdb/hlogdb/lib/index"
	"github.com/hlogdb/hlogdb/lib/session"
)

const testNumBuckets = 16

type harness struct {
	mgr   *epoch.Manager
	dev   *device.MemDevice
	alloc *hlog.Allocator
	idx   *index.Index
	fns   *codec.BytesFunctions
	eng   *engine.Engine
	coord *Coordinator
	store *MetadataStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	mgr := epoch.NewManager(8)
	dev := device.NewMemDevice(64)
	alloc, err := hlog.NewAllocator(hlog.Config{
		PageBits:        6,
		MemoryBits:      8,
		SegmentBits:     10,
		MutableFraction: 0.5,
	}, dev, mgr, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	idx, err := index.New(testNumBuckets)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	fns := &codec.BytesFunctions{
		Update: func(old, input []byte) []byte { return append([]byte(nil), input...) },
	}
	eng := engine.New(idx, alloc, fns, engine.Options{}, nil)
	store, err := NewMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}
	coord := New(mgr, alloc, idx, store, nil)
	return &harness{mgr: mgr, dev: dev, alloc: alloc, idx: idx, fns: fns, eng: eng, coord: coord, store: store}
}

func (h *harness) newSession(t *testing.T) (*session.Session, uuid.UUID) {
	t.Helper()
	sess, err := session.New(h.eng, h.mgr, 0)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	id := uuid.New()
	h.coord.RegisterSession(id, sess)
	return sess, id
}

func TestBeginFuzzyCheckpointPersistsMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, id := h.newSession(t)
	defer h.coord.DeregisterSession(id)

	for i := 0; i < 32; i++ {
		key := []byte{byte(i)}
		if err := sess.Upsert(ctx, key, []byte("v")); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	token, err := h.coord.Begin(ctx, KindFuzzy)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if token.ID == uuid.Nil {
		t.Fatalf("expected a non-nil checkpoint id")
	}
	if h.coord.Phase() != PhaseRest {
		t.Fatalf("phase after Begin = %s, want REST", h.coord.Phase())
	}

	meta, entries, err := h.store.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if meta.ID != token.ID {
		t.Fatalf("loaded checkpoint id = %v, want %v", meta.ID, token.ID)
	}
	if len(entries) != 32 {
		t.Fatalf("index snapshot has %d entries, want 32", len(entries))
	}
}

func TestBeginRejectsConcurrentCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.coord.mu.Lock()
	defer h.coord.mu.Unlock()

	_, err := h.coord.Begin(context.Background(), KindFuzzy)
	if err != ErrInProgress {
		t.Fatalf("Begin while locked = %v, want ErrInProgress", err)
	}
}

func TestBeginFailsOnFaultedStore(t *testing.T) {
	h := newHarness(t)
	h.coord.Fault()
	if _, err := h.coord.Begin(context.Background(), KindFuzzy); err != ErrFaulted {
		t.Fatalf("Begin on faulted store = %v, want ErrFaulted", err)
	}
}

func TestRecoverWithNoCheckpointStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}
	mgr := epoch.NewManager(8)
	dev := device.NewMemDevice(64)
	alloc, err := hlog.NewAllocator(hlog.Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	fns := &codec.BytesFunctions{}

	idx, tail, meta, err := Recover(context.Background(), store, alloc, testNumBuckets, fns.Hash)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if meta.ID != uuid.Nil {
		t.Fatalf("expected zero Metadata on a fresh store")
	}
	if tail != alloc.TailAddress() {
		t.Fatalf("recovered tail %v != allocator tail %v", tail, alloc.TailAddress())
	}
	if idx.NumBuckets() == 0 {
		t.Fatalf("expected a usable empty index")
	}
}

func TestBeginSnapshotCheckpointCapturesMutableRegion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, id := h.newSession(t)
	defer h.coord.DeregisterSession(id)

	for i := 0; i < 8; i++ {
		if err := sess.Upsert(ctx, []byte{byte(i)}, []byte("v")); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	token, err := h.coord.Begin(ctx, KindSnapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	meta, _, err := h.store.Load(token.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.Kind != KindSnapshot {
		t.Fatalf("meta.Kind = %v, want KindSnapshot", meta.Kind)
	}
	if meta.SnapshotID == uuid.Nil {
		t.Fatalf("expected a non-nil SnapshotID for a KindSnapshot checkpoint with a non-empty mutable region")
	}

	records, err := h.store.LoadSnapshot(meta.SnapshotID)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(records) != 8 {
		t.Fatalf("captured %d records, want 8", len(records))
	}
	for _, r := range records {
		if r.Addr < meta.CaptureFrom || r.Addr >= meta.Cut {
			t.Fatalf("captured record at %v outside [%v, %v)", r.Addr, meta.CaptureFrom, meta.Cut)
		}
	}
}

func TestCheckpointThenRecoverRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	dev := device.NewMemDevice(64)

	mgr := epoch.NewManager(8)
	alloc, err := hlog.NewAllocator(hlog.Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	idx, err := index.New(testNumBuckets)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	fns := &codec.BytesFunctions{
		Update: func(old, input []byte) []byte { return append([]byte(nil), input...) },
	}
	eng := engine.New(idx, alloc, fns, engine.Options{}, nil)
	store, err := NewMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}
	coord := New(mgr, alloc, idx, store, nil)

	ctx := context.Background()
	sess, err := session.New(eng, mgr, 0)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	sessID := uuid.New()
	coord.RegisterSession(sessID, sess)

	want := map[string]string{}
	for i := 0; i < 16; i++ {
		key := []byte{byte('a' + i)}
		val := []byte{byte(i)}
		if err := sess.Upsert(ctx, key, val); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
		want[string(key)] = string(val)
	}

	if _, err := coord.Begin(ctx, KindFuzzy); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	mgr2 := epoch.NewManager(8)
	alloc2, err := hlog.NewAllocator(hlog.Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr2, nil)
	if err != nil {
		t.Fatalf("NewAllocator 2: %v", err)
	}
	idx2, _, _, err := Recover(ctx, store, alloc2, testNumBuckets, fns.Hash)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	eng2 := engine.New(idx2, alloc2, fns, engine.Options{}, nil)
	for key, val := range want {
		got, pending, err := eng2.Read(ctx, []byte(key), nil)
		if err != nil {
			t.Fatalf("Read %q: %v", key, err)
		}
		if pending {
			t.Fatalf("Read %q unexpectedly pending after recovery", key)
		}
		if string(got) != val {
			t.Fatalf("Read %q = %q, want %q", key, got, val)
		}
	}
}

func TestCheckpointThenRecoverSnapshotKindRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	dev := device.NewMemDevice(64)

	mgr := epoch.NewManager(8)
	alloc, err := hlog.NewAllocator(hlog.Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	idx, err := index.New(testNumBuckets)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	fns := &codec.BytesFunctions{
		Update: func(old, input []byte) []byte { return append([]byte(nil), input...) },
	}
	eng := engine.New(idx, alloc, fns, engine.Options{}, nil)
	store, err := NewMetadataStore(dir)
	if err != nil {
		t.Fatalf("NewMetadataStore: %v", err)
	}
	coord := New(mgr, alloc, idx, store, nil)

	ctx := context.Background()
	sess, err := session.New(eng, mgr, 0)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	sessID := uuid.New()
	coord.RegisterSession(sessID, sess)

	want := map[string]string{}
	for i := 0; i < 16; i++ {
		key := []byte{byte('a' + i)}
		val := []byte{byte(i)}
		if err := sess.Upsert(ctx, key, val); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
		want[string(key)] = string(val)
	}

	token, err := coord.Begin(ctx, KindSnapshot)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	meta, _, err := store.Load(token.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if meta.SnapshotID == uuid.Nil {
		t.Fatalf("expected KindSnapshot checkpoint to capture a mutable-region snapshot")
	}

	mgr2 := epoch.NewManager(8)
	alloc2, err := hlog.NewAllocator(hlog.Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr2, nil)
	if err != nil {
		t.Fatalf("NewAllocator 2: %v", err)
	}
	idx2, _, recoveredMeta, err := Recover(ctx, store, alloc2, testNumBuckets, fns.Hash)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recoveredMeta.Kind != KindSnapshot {
		t.Fatalf("recovered meta.Kind = %v, want KindSnapshot", recoveredMeta.Kind)
	}
	eng2 := engine.New(idx2, alloc2, fns, engine.Options{}, nil)
	for key, val := range want {
		got, pending, err := eng2.Read(ctx, []byte(key), nil)
		if err != nil {
			t.Fatalf("Read %q: %v", key, err)
		}
		if pending {
			t.Fatalf("Read %q unexpectedly pending after recovery", key)
		}
		if string(got) != val {
			t.Fatalf("Read %q = %q, want %q", key, got, val)
		}
	}
}
