package codec

import "context"

// Functions is the capability set a host must supply so the engine can
// treat keys and values as opaque byte-oriented data.
//
// All methods must be safe to call concurrently from many goroutines; the
// engine never serializes calls into Functions beyond what the hash index
// and hybrid log already guarantee for a single key.
type Functions interface {
	// Hash computes a 64-bit hash of key. The top 16 bits of the result
	// are used as the hash index's collision tag; the remainder selects
	// the bucket. A good hash spreads both halves independently.
	Hash(key []byte) uint64

	// Equal reports whether a and b are the same key. Used after a tag
	// match to rule out false positives without a full log read.
	Equal(a, b []byte) bool

	// SingleReader deserializes value bytes read from a record that is
	// known not to be concurrently mutated (immutable or on-device
	// region). Implementations may return a view into buf.
	SingleReader(buf []byte) (value []byte)

	// ConcurrentReader deserializes value bytes read from a record that
	// may be concurrently mutated in place (mutable region). Unlike
	// SingleReader, implementations must copy rather than alias buf.
	ConcurrentReader(buf []byte) (value []byte)

	// InPlaceUpdater attempts to apply input to oldValue without
	// changing its serialized length. ok=false means the update cannot
	// be performed in place (e.g. it would grow the value) and the
	// engine must fall through to CopyUpdater at a new tail address.
	InPlaceUpdater(key, oldValue, input []byte) (newValue []byte, ok bool)

	// CopyUpdater computes a new value for the tail-append RMW path,
	// combining oldValue (nil if the key did not exist or its latest
	// record is a tombstone; an on-device old value is read first) with
	// input.
	CopyUpdater(key, oldValue, input []byte) (newValue []byte)

	// ReadCompleted is invoked once a PENDING read's device I/O
	// finishes. output is the deserialized value (via SingleReader) or
	// nil if err is non-nil or the chain resolved to NOT_FOUND.
	ReadCompleted(ctx context.Context, output []byte, err error)
}
