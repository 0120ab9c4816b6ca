package hlog

import (
	"bytes"
	"testing"

	"github.com/hlogdb/hlogdb/lib/address"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := []byte("hello")
	value := []byte("world!!")
	n := Size(len(key), len(value))
	buf := make([]byte, n)

	written, err := Encode(buf, address.Address(42), false, false, key, value)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if written != n {
		t.Fatalf("Encode wrote %d bytes, want %d", written, n)
	}
	if written%8 != 0 {
		t.Fatalf("record size %d is not 8-byte aligned", written)
	}

	rec, size, ok := Decode(buf)
	if !ok {
		t.Fatalf("Decode failed")
	}
	if size != n {
		t.Fatalf("Decode size = %d, want %d", size, n)
	}
	if rec.Previous != address.Address(42) {
		t.Fatalf("Previous = %v, want 42", rec.Previous)
	}
	if rec.Tombstone || rec.Fuzzy {
		t.Fatalf("expected no flags set")
	}
	if !bytes.Equal(rec.Key, key) {
		t.Fatalf("Key = %q, want %q", rec.Key, key)
	}
	if !bytes.Equal(rec.Value, value) {
		t.Fatalf("Value = %q, want %q", rec.Value, value)
	}
}

func TestTombstoneAndFuzzyFlags(t *testing.T) {
	buf := make([]byte, Size(1, 0))
	if _, err := Encode(buf, address.Invalid, true, true, []byte("k"), nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	rec, _, ok := Decode(buf)
	if !ok {
		t.Fatalf("Decode failed")
	}
	if !rec.Tombstone {
		t.Fatalf("expected tombstone bit set")
	}
	if !rec.Fuzzy {
		t.Fatalf("expected fuzzy bit set")
	}
}

func TestMarkInvalid(t *testing.T) {
	buf := make([]byte, Size(1, 1))
	Encode(buf, address.Invalid, false, false, []byte("k"), []byte("v"))
	if IsInvalid(buf) {
		t.Fatalf("fresh record should not be invalid")
	}
	MarkInvalid(buf)
	if !IsInvalid(buf) {
		t.Fatalf("expected invalid bit set after MarkInvalid")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	buf := make([]byte, Size(4, 4))
	Encode(buf, address.Address(1), false, false, []byte("key1"), []byte("val1"))
	if _, _, ok := Decode(buf[:4]); ok {
		t.Fatalf("expected Decode to reject a truncated buffer")
	}
}

func TestSizeIsAlignedAndMonotonic(t *testing.T) {
	prev := 0
	for kv := 0; kv < 40; kv++ {
		n := Size(kv, kv)
		if n%8 != 0 {
			t.Fatalf("Size(%d,%d) = %d not 8-aligned", kv, kv, n)
		}
		if n < prev {
			t.Fatalf("Size should be monotonic in kv length")
		}
		prev = n
	}
}
