package codec

import (
	"bytes"
	"context"

	"github.com/cespare/xxhash/v2"
)

// BytesFunctions is a ready-to-use Functions implementation for callers
// who store plain []byte values with no in-place-growable structure:
// InPlaceUpdater only succeeds when the updater produces a value of the
// same length, everything else falls through to a tail-appended copy.
// Hosts with richer value types (fixed-width structs, a custom
// in-place field update) should supply their own Functions instead.
type BytesFunctions struct {
	// Update combines an old value (nil if absent) with input into a
	// new value. Required.
	Update func(oldValue, input []byte) (newValue []byte)

	// OnRead, if set, is invoked once a pending read's value has been
	// resolved (or failed). Optional.
	OnRead func(ctx context.Context, output []byte, err error)
}

var _ Functions = (*BytesFunctions)(nil)

// Hash computes a 64-bit xxhash digest of key, the same hash used by
// the teacher's dKV engines for their sharded map keys.
func (f *BytesFunctions) Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (f *BytesFunctions) Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func (f *BytesFunctions) SingleReader(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

func (f *BytesFunctions) ConcurrentReader(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

func (f *BytesFunctions) InPlaceUpdater(key, oldValue, input []byte) ([]byte, bool) {
	newValue := f.Update(oldValue, input)
	if len(newValue) != len(oldValue) {
		return nil, false
	}
	return newValue, true
}

func (f *BytesFunctions) CopyUpdater(key, oldValue, input []byte) []byte {
	return f.Update(oldValue, input)
}

func (f *BytesFunctions) ReadCompleted(ctx context.Context, output []byte, err error) {
	if f.OnRead != nil {
		f.OnRead(ctx, output, err)
	}
}
