package hlog

import (
	"context"
	"testing"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/epoch"
)

func TestRecoverFindsDurableTailAndResumesAppending(t *testing.T) {
	dev := device.NewMemDevice(64)
	ctx := context.Background()

	func() {
		mgr := epoch.NewManager(8)
		a, err := NewAllocator(Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr, nil)
		if err != nil {
			t.Fatalf("NewAllocator: %v", err)
		}
		for i := 0; i < 4; i++ {
			key := []byte{byte('a' + i)}
			addr, err := a.Allocate(Size(len(key), 4))
			if err != nil {
				t.Fatalf("Allocate %d: %v", i, err)
			}
			buf, _, err := a.GetPhysical(ctx, addr, nil)
			if err != nil {
				t.Fatalf("GetPhysical %d: %v", i, err)
			}
			if _, err := Encode(buf, address.Invalid, false, false, key, []byte("data")); err != nil {
				t.Fatalf("Encode %d: %v", i, err)
			}
		}
		tail := a.TailAddress()
		if err := a.ShiftReadOnlyAddress(tail); err != nil {
			t.Fatalf("ShiftReadOnlyAddress: %v", err)
		}
		if a.flush.flushedUpTo() < uint64(tail) {
			t.Fatalf("expected MemDevice writes to complete synchronously within ShiftReadOnlyAddress")
		}
		a.Close()
	}()

	mgr2 := epoch.NewManager(8)
	a2, err := NewAllocator(Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr2, nil)
	if err != nil {
		t.Fatalf("NewAllocator 2: %v", err)
	}
	recoveredTail, err := a2.Recover(ctx, address.Address(1), address.Address(1))
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recoveredTail < address.Address(1) {
		t.Fatalf("recoveredTail = %v, want >= 1", recoveredTail)
	}

	var keys []string
	err = a2.Replay(ctx, address.Address(1), recoveredTail, func(addr address.Address, rec Record, invalid bool) bool {
		if !invalid {
			keys = append(keys, string(rec.Key))
		}
		return true
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(keys) != 4 {
		t.Fatalf("recovered %d keys, want 4: %v", len(keys), keys)
	}

	addr, err := a2.Allocate(Size(1, 4))
	if err != nil {
		t.Fatalf("Allocate after recover: %v", err)
	}
	if addr < recoveredTail {
		t.Fatalf("new append landed at %v, before recovered tail %v", addr, recoveredTail)
	}
}

func TestRecoverOnEmptyDeviceStartsAtScanFrom(t *testing.T) {
	dev := device.NewMemDevice(64)
	mgr := epoch.NewManager(8)
	a, err := NewAllocator(Config{PageBits: 6, MemoryBits: 8, SegmentBits: 10, MutableFraction: 0.5}, dev, mgr, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	tail, err := a.Recover(context.Background(), address.Address(1), address.Address(1))
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if tail != address.Address(1) {
		t.Fatalf("tail = %v, want 1 on an empty device", tail)
	}
}
