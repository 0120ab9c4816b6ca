package store

import (
	"context"
	"testing"
	"time"

	"github.com/hlogdb/hlogdb/lib/checkpoint"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/config"
	"github.com/hlogdb/hlogdb/lib/device"
)

func testConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	cfg := config.Default()
	cfg.NumBuckets = 16
	cfg.PageBits = 6
	cfg.MemoryBits = 8
	cfg.SegmentBits = 10
	cfg.MutableFraction = 0.5
	cfg.CheckpointDir = t.TempDir()
	return cfg
}

func testFns() *codec.BytesFunctions {
	return &codec.BytesFunctions{
		Update: func(old, input []byte) []byte { return append([]byte(nil), input...) },
	}
}

func TestNewStoreUpsertReadDelete(t *testing.T) {
	dev := device.NewMemDevice(64)
	s, err := NewStore(testConfig(t), dev, testFns())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	ctx := context.Background()
	if err := sess.Upsert(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	val, pending, err := sess.Read(ctx, []byte("k1"), nil)
	if err != nil || pending {
		t.Fatalf("Read: val=%q pending=%v err=%v", val, pending, err)
	}
	if string(val) != "v1" {
		t.Fatalf("Read = %q, want v1", val)
	}

	if err := sess.Delete(ctx, []byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := sess.Read(ctx, []byte("k1"), nil); err == nil {
		t.Fatalf("Read after Delete succeeded, want NOT_FOUND")
	}
}

func TestStoreCheckpointThenNewStoreRecovers(t *testing.T) {
	cfg := testConfig(t)
	dev := device.NewMemDevice(64)

	s1, err := NewStore(cfg, dev, testFns())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sess, err := s1.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx := context.Background()
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := sess.Upsert(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Upsert %s: %v", k, err)
		}
	}

	if _, err := s1.Checkpoint(ctx, checkpoint.KindFuzzy); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := sess.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := NewStore(cfg, dev, testFns())
	if err != nil {
		t.Fatalf("NewStore 2: %v", err)
	}
	defer s2.Close()

	sess2, err := s2.NewSession()
	if err != nil {
		t.Fatalf("NewSession 2: %v", err)
	}
	defer sess2.Dispose()

	for k, v := range want {
		val, pending, err := sess2.Read(ctx, []byte(k), nil)
		if err != nil || pending {
			t.Fatalf("Read %s: val=%q pending=%v err=%v", k, val, pending, err)
		}
		if string(val) != v {
			t.Fatalf("Read %s = %q, want %q", k, val, v)
		}
	}
}

// TestMaintainLogUnsticksUpsertsPastResidentWindow exercises the
// eviction lifecycle a live store drives via its background maintainLog
// goroutine (NewStore's normal path): without it, once a store writes
// past its resident window every further Upsert/RMW/Delete spins
// Session's backpressure retry loop until it gives up, since
// HeadAddress never advances. Calling AdvanceBoundaries directly here
// (rather than waiting out a real GCIntervalSeconds tick) exercises the
// same production path NewStore wires up, just on a test-friendly
// cadence.
func TestMaintainLogUnsticksUpsertsPastResidentWindow(t *testing.T) {
	dev := device.NewMemDevice(64)
	s, err := NewStore(testConfig(t), dev, testFns())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	ctx := context.Background()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.alloc.AdvanceBoundaries()
			case <-stop:
				return
			}
		}
	}()

	// 4 resident page slots at 64 bytes each leaves a 192-byte live
	// span; writing well past that forces at least one backpressure
	// round trip that only the maintenance loop above can resolve.
	for i := 0; i < 64; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if err := sess.Upsert(ctx, key, []byte("value")); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
}

func TestNewSessionAfterCloseFails(t *testing.T) {
	dev := device.NewMemDevice(64)
	s, err := NewStore(testConfig(t), dev, testFns())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.NewSession(); err != ErrClosed {
		t.Fatalf("NewSession after Close = %v, want ErrClosed", err)
	}
}
