package hlog

import (
	"encoding/binary"
	"fmt"

	"github.com/hlogdb/hlogdb/lib/address"
)

// Bit flags packed into a record header's first byte.
const (
	flagInvalid   byte = 1 << 0
	flagTombstone byte = 1 << 1
	flagFuzzy     byte = 1 << 2
)

// headerSize is the fixed portion of every record: one flags byte, six
// bytes of previous-address, one presence byte to keep the header
// itself 8-byte aligned.
const headerSize = 8

// presenceByte is written into every record's eighth header byte. Its
// only job is to not be zero: an unwritten region of the log (a page
// that was allocated but never reached by the tail, or one a sparse
// device reads back as all zeros) decodes its header as flags=0,
// previous=0, presence=0, which Decode rejects outright. Without this,
// a run of zero bytes would parse as a well-formed zero-length record
// and a recovery scan would "succeed" forever walking past the true
// end of the log.
const presenceByte = 0xA5

// Record is one decoded hybrid log entry.
type Record struct {
	Previous  address.Address
	Tombstone bool
	Fuzzy     bool
	Key       []byte
	Value     []byte
}

// Size returns the 8-byte-aligned on-log footprint of a record with
// the given key/value lengths - what Allocate must reserve for it.
func Size(keyLen, valueLen int) int {
	n := headerSize + 4 + keyLen + 4 + valueLen
	return align8(n)
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// Encode writes key/value as a new record into buf (which must be at
// least Size(len(key), len(value)) bytes), chaining it to previous.
// Returns the aligned number of bytes written.
func Encode(buf []byte, previous address.Address, tombstone bool, fuzzy bool, key, value []byte) (int, error) {
	n := Size(len(key), len(value))
	if len(buf) < n {
		return 0, fmt.Errorf("hlog: buffer too small for record: have %d, need %d", len(buf), n)
	}

	var flags byte
	if tombstone {
		flags |= flagTombstone
	}
	if fuzzy {
		flags |= flagFuzzy
	}
	buf[0] = flags
	putUint48(buf[1:7], uint64(previous))
	buf[7] = presenceByte

	pos := headerSize
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(key)))
	pos += 4
	copy(buf[pos:pos+len(key)], key)
	pos += len(key)

	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(value)))
	pos += 4
	copy(buf[pos:pos+len(value)], value)
	pos += len(value)

	for pos < n {
		buf[pos] = 0
		pos++
	}
	return n, nil
}

// MarkInvalid sets the invalid bit in place on an already-encoded
// record, without touching the rest of its bytes. Used when a record
// reserved via Allocate must be abandoned (e.g. the writer lost the
// index CAS race to install it - replay and recovery skip invalid
// records).
func MarkInvalid(buf []byte) {
	buf[0] |= flagInvalid
}

// Decode parses one record starting at buf[0]. Returns the record, its
// aligned on-log size, and ok=false if buf is too short to contain a
// complete header.
func Decode(buf []byte) (rec Record, size int, ok bool) {
	if len(buf) < headerSize+8 {
		return Record{}, 0, false
	}
	if buf[7] != presenceByte {
		return Record{}, 0, false
	}
	flags := buf[0]
	prev := getUint48(buf[1:7])

	pos := headerSize
	keyLen := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+keyLen > len(buf) {
		return Record{}, 0, false
	}
	key := buf[pos : pos+keyLen]
	pos += keyLen

	if pos+4 > len(buf) {
		return Record{}, 0, false
	}
	valueLen := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if pos+valueLen > len(buf) {
		return Record{}, 0, false
	}
	value := buf[pos : pos+valueLen]
	pos += valueLen

	rec = Record{
		Previous:  address.Address(prev),
		Tombstone: flags&flagTombstone != 0,
		Fuzzy:     flags&flagFuzzy != 0,
		Key:       key,
		Value:     value,
	}
	return rec, align8(pos), true
}

// IsInvalid reports whether buf's header has the invalid bit set,
// without fully decoding the record.
func IsInvalid(buf []byte) bool {
	return len(buf) > 0 && buf[0]&flagInvalid != 0
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
