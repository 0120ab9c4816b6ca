package index

import "github.com/hlogdb/hlogdb/lib/address"

// Each bucket slot packs a tag, a tentative bit, and a 48-bit address
// into one 64-bit word so a claim/update is a single CAS:
//
//	bit 63:     tentative (slot claimed but not yet committed)
//	bits 62-48: tag (15 bits)
//	bits 47-0:  address (48 bits)
//
// A true 16-bit tag as computed from the hash would leave no room for
// the tentative bit in one word; storing only its top 15 bits (hash
// bits 63-49) instead
// only ever costs a few more tag collisions (never a correctness
// issue - the operation engine always confirms a tag match against
// the full key in the log).
const (
	tentativeBit = uint64(1) << 63
	tagShift     = 48
	tagMask      = uint64(0x7FFF)
	addrMask     = (uint64(1) << 48) - 1
)

// emptySlot is the zero value: no tag, no address, not tentative.
const emptySlot = uint64(0)

func computeTag(hash uint64) uint16 {
	t := uint16((hash >> 49) & tagMask)
	if t == 0 {
		t = 1 // 0 is reserved to mean "empty slot"
	}
	return t
}

func packSlot(tag uint16, tentative bool, addr address.Address) uint64 {
	v := (uint64(tag) & tagMask) << tagShift
	v |= uint64(addr) & addrMask
	if tentative {
		v |= tentativeBit
	}
	return v
}

func unpackSlot(v uint64) (tag uint16, tentative bool, addr address.Address) {
	tag = uint16((v >> tagShift) & tagMask)
	tentative = v&tentativeBit != 0
	addr = address.Address(v & addrMask)
	return
}

func slotTag(v uint64) uint16   { return uint16((v >> tagShift) & tagMask) }
func slotIsEmpty(v uint64) bool { return v == emptySlot }
