package storetesting

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/hlogdb/hlogdb/lib/checkpoint"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/config"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/session"
	"github.com/hlogdb/hlogdb/lib/store"
)

// Factory builds a fresh, empty store.Store and returns it alongside a
// cleanup function to call when the sub-test is done.
type Factory func() (*store.Store, func())

// RecoverableFactory builds the raw ingredients (an unopened device, a
// config, a codec) a checkpoint/recover scenario needs to construct two
// independent stores over the same underlying device - the general
// Factory shape above hides the device, which a crash+recover scenario
// needs to reuse across two NewStore calls.
type RecoverableFactory func() (device.Device, config.StoreConfig, codec.Functions)

// RunStoreTests runs the standardized scenario suite (SPEC_FULL.md §8)
// against the store built by factory, plus the checkpoint/recover
// scenario using recoverable.
func RunStoreTests(t *testing.T, name string, factory Factory, recoverable RecoverableFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SingleThreadBasic", func(t *testing.T) {
			testSingleThreadBasic(t, factory)
		})
		t.Run("RoundTrip", func(t *testing.T) {
			testRoundTrip(t, factory)
		})
		t.Run("Tombstone", func(t *testing.T) {
			testTombstone(t, factory)
		})
		t.Run("RMWCounter", func(t *testing.T) {
			testRMWCounter(t, factory)
		})
		t.Run("ConcurrentUpsertSingleKey", func(t *testing.T) {
			testConcurrentUpsertSingleKey(t, factory)
		})
		t.Run("CheckpointRecover", func(t *testing.T) {
			testCheckpointRecover(t, recoverable)
		})
	})
}

// blockingRead performs a Read and, if it goes pending, drains the
// session until the completion callback fires, returning the final
// value. It fails the test on any error.
func blockingRead(t *testing.T, sess *session.Session, ctx context.Context, key []byte) []byte {
	t.Helper()

	type result struct {
		val []byte
		err error
	}
	done := make(chan result, 1)

	val, pending, err := sess.Read(ctx, key, func(v []byte, rerr error) {
		done <- result{v, rerr}
	})
	if !pending {
		if err != nil {
			t.Fatalf("Read %s: %v", key, err)
		}
		return val
	}

	if err := sess.CompletePending(true); err != nil {
		t.Fatalf("CompletePending: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("Read %s completion: %v", key, res.err)
	}
	return res.val
}

// testSingleThreadBasic is scenario 1: a single Upsert followed by a
// Read that returns exactly the value written.
func testSingleThreadBasic(t *testing.T, factory Factory) {
	s, cleanup := factory()
	defer cleanup()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	ctx := context.Background()
	key := []byte{7}
	value := make([]byte, 0x14)
	for i := range value {
		value[i] = byte(i)
	}

	if err := sess.Upsert(ctx, key, value); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := blockingRead(t, sess.Session, ctx, key)
	if string(got) != string(value) {
		t.Fatalf("Read = %x, want %x", got, value)
	}
}

// testRoundTrip is P4: Upsert(k,v); Read(k)==v, then Upsert(k,v2);
// Read(k)==v2.
func testRoundTrip(t *testing.T, factory Factory) {
	s, cleanup := factory()
	defer cleanup()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	ctx := context.Background()
	key := []byte("roundtrip-key")

	if err := sess.Upsert(ctx, key, []byte("v1")); err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}
	if got := blockingRead(t, sess.Session, ctx, key); string(got) != "v1" {
		t.Fatalf("Read after first Upsert = %q, want v1", got)
	}

	if err := sess.Upsert(ctx, key, []byte("v2")); err != nil {
		t.Fatalf("Upsert 2: %v", err)
	}
	if got := blockingRead(t, sess.Session, ctx, key); string(got) != "v2" {
		t.Fatalf("Read after second Upsert = %q, want v2", got)
	}
}

// testTombstone is scenario 5: Upsert(k,v); Delete(k); Read(k) returns
// NOT_FOUND.
func testTombstone(t *testing.T, factory Factory) {
	s, cleanup := factory()
	defer cleanup()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	ctx := context.Background()
	key := []byte("tombstone-key")

	if err := sess.Upsert(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := sess.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := sess.Read(ctx, key, nil); err == nil {
		t.Fatalf("Read after Delete succeeded, want NOT_FOUND")
	}
}

// testRMWCounter is scenario 3: 8 sessions each perform a batch of RMWs
// against the same key, incrementing an 8-byte big-endian counter; the
// final value must equal the total number of increments, proving the
// in-place and copy-update RMW paths never lose an update.
func testRMWCounter(t *testing.T, factory Factory) {
	s, cleanup := factory()
	defer cleanup()

	const numWorkers = 8
	const incrementsPerWorker = 500

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			sess, err := s.NewSession()
			if err != nil {
				t.Errorf("NewSession: %v", err)
				return
			}
			defer sess.Dispose()

			ctx := context.Background()
			key := []byte("counter")
			for i := 0; i < incrementsPerWorker; i++ {
				done := make(chan error, 1)
				pending, err := sess.RMW(ctx, key, nil, func(rerr error) { done <- rerr })
				if err != nil {
					t.Errorf("RMW: %v", err)
					return
				}
				if pending {
					if err := sess.CompletePending(true); err != nil {
						t.Errorf("CompletePending: %v", err)
						return
					}
					if rerr := <-done; rerr != nil {
						t.Errorf("RMW completion: %v", rerr)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	got := blockingRead(t, sess.Session, context.Background(), []byte("counter"))
	want := uint64(numWorkers * incrementsPerWorker)
	if len(got) != 8 {
		t.Fatalf("counter value has %d bytes, want 8", len(got))
	}
	if gotVal := binary.BigEndian.Uint64(got); gotVal != want {
		t.Fatalf("counter = %d, want %d", gotVal, want)
	}
}

// testConcurrentUpsertSingleKey is P6: N concurrent Upserts against the
// same key must leave Read returning exactly one of the written
// values, never a torn mix.
func testConcurrentUpsertSingleKey(t *testing.T, factory Factory) {
	s, cleanup := factory()
	defer cleanup()

	const numWriters = 16
	key := []byte("race-key")
	values := make([]string, numWriters)
	for i := range values {
		values[i] = fmt.Sprintf("value-%02d", i)
	}

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(v string) {
			defer wg.Done()
			sess, err := s.NewSession()
			if err != nil {
				t.Errorf("NewSession: %v", err)
				return
			}
			defer sess.Dispose()
			if err := sess.Upsert(context.Background(), key, []byte(v)); err != nil {
				t.Errorf("Upsert: %v", err)
			}
		}(values[i])
	}
	wg.Wait()

	sess, err := s.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Dispose()

	got := string(blockingRead(t, sess.Session, context.Background(), key))
	found := false
	for _, v := range values {
		if got == v {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("Read = %q, want one of %v", got, values)
	}
}

// testCheckpointRecover is scenario 4: insert keys 0..N; checkpoint;
// insert more keys without checkpointing; construct a fresh store over
// the same device (simulating a crash+restart); the checkpointed keys
// must all read back correctly, and the store must still be usable.
func testCheckpointRecover(t *testing.T, recoverable RecoverableFactory) {
	dev, cfg, fns := recoverable()

	s1, err := store.NewStore(cfg, dev, fns)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sess, err := s1.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	const checkpointed = 200
	const afterCheckpoint = 50

	ctx := context.Background()
	for i := 0; i < checkpointed; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		val := []byte(fmt.Sprintf("v-%05d", i))
		if err := sess.Upsert(ctx, key, val); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	if _, err := s1.Checkpoint(ctx, checkpoint.KindFuzzy); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	for i := checkpointed; i < checkpointed+afterCheckpoint; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		val := []byte(fmt.Sprintf("v-%05d", i))
		if err := sess.Upsert(ctx, key, val); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	if err := sess.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := store.NewStore(cfg, dev, fns)
	if err != nil {
		t.Fatalf("NewStore (recovered): %v", err)
	}
	defer s2.Close()

	sess2, err := s2.NewSession()
	if err != nil {
		t.Fatalf("NewSession (recovered): %v", err)
	}
	defer sess2.Dispose()

	for i := 0; i < checkpointed; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		want := fmt.Sprintf("v-%05d", i)
		got := blockingRead(t, sess2.Session, ctx, key)
		if string(got) != want {
			t.Fatalf("Read %s after recovery = %q, want %q", key, got, want)
		}
	}

	// keys written after the checkpoint are best-effort: either the
	// original value survived (the flush pipeline finished before the
	// simulated crash) or the key is simply absent. Anything else is a
	// correctness bug.
	for i := checkpointed; i < checkpointed+afterCheckpoint; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		want := fmt.Sprintf("v-%05d", i)
		val, pending, err := sess2.Read(ctx, key, nil)
		if pending {
			t.Fatalf("Read %s unexpectedly pending", key)
		}
		if err != nil {
			continue // NOT_FOUND is an acceptable outcome here
		}
		if string(val) != want {
			t.Fatalf("Read %s after recovery = %q, want %q or NOT_FOUND", key, val, want)
		}
	}
}
