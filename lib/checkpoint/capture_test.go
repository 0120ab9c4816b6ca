package checkpoint

import (
	"testing"

	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/index"
)

func constHash(h uint64) func([]byte) uint64 {
	return func([]byte) uint64 { return h }
}

func TestApplyRawRecordsOverridesFuzzyEntry(t *testing.T) {
	idx, err := index.New(testNumBuckets)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}

	// Simulate a fuzzy bucket-array snapshot that raced with a late
	// write and still points at a stale address for this key.
	staleAddr := address.Address(10)
	if _, err := idx.Compute(1, func(address.Address, bool) (address.Address, bool) {
		return staleAddr, true
	}); err != nil {
		t.Fatalf("seeding stale entry: %v", err)
	}

	records := []RawRecord{
		{Addr: address.Address(20), Key: []byte("k")},
		{Addr: address.Address(30), Key: []byte("k")},
	}
	if err := ApplyRawRecords(idx, records, constHash(1)); err != nil {
		t.Fatalf("ApplyRawRecords: %v", err)
	}

	got, found := idx.Lookup(1)
	if !found {
		t.Fatalf("expected entry to be found after ApplyRawRecords")
	}
	if got != address.Address(30) {
		t.Fatalf("idx.Lookup = %v, want the last captured record's address 30", got)
	}
}

func TestApplyRawRecordsEmptyIsNoop(t *testing.T) {
	idx, err := index.New(testNumBuckets)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	if err := ApplyRawRecords(idx, nil, constHash(1)); err != nil {
		t.Fatalf("ApplyRawRecords: %v", err)
	}
	if _, found := idx.Lookup(1); found {
		t.Fatalf("expected no entry for an empty capture")
	}
}
