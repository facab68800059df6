package virtqueue

import "github.com/go-virtio/virtio-core/endian"

// Ring memory layouts, bit-exact per the virtio 1.x specification
// (§6 "Ring memory layout"). Offsets are relative to the start of
// each translated ring region; the transport adapter is responsible
// for placing desc/avail/used at their guest-physical addresses (one
// pfn-relative block for legacy, three independent addresses for
// modern -- see SplitVringAddr/PackedVringAddr).

const (
	descEntrySize = 16 // addr(8) + len(4) + flags(2) + next(2)

	availFlagsOff = 0
	availIdxOff   = 2
	availRingOff  = 4

	usedFlagsOff = 0
	usedIdxOff   = 2
	usedRingOff  = 4
	usedElemSize = 8 // id(4) + len(4)

	packedDriverEventOff = 0 // off_wrap(2) + flags(2)
	packedDeviceEventOff = 0
)

// DescTableSize is the byte size of a size-entry split descriptor
// table, exported so transport adapters can size their legacy pfn
// layout the way the teacher's padded-to-4096 VirtQueue struct does.
func DescTableSize(size uint16) int { return int(size) * descEntrySize }

// AvailRingSize is the byte size of the avail ring including its
// trailing used_event word (always reserved; ignored when EVENT_IDX
// was not negotiated).
func AvailRingSize(size uint16) int { return availRingOff + int(size)*2 + 2 }

// UsedRingSize is the byte size of the used ring including its
// trailing avail_event word.
func UsedRingSize(size uint16) int { return usedRingOff + int(size)*usedElemSize + 2 }

// PackedDescTableSize is the byte size of a size-entry packed ring.
func PackedDescTableSize(size uint16) int { return int(size) * descEntrySize }

func readU16(b []byte, off int) uint16 { return uint16(b[off]) | uint16(b[off+1])<<8 }

func writeU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func readU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func writeU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// availFlags/availIdx/usedFlags/usedIdx read and write the guest- or
// host-owned 16-bit cursor fields, converting through the queue's
// negotiated endianness.
func availFlags(ring []byte, conv endian.Converter) uint16 {
	return conv.Host16(readU16(ring, availFlagsOff))
}

func availIdx(ring []byte, conv endian.Converter) uint16 {
	return conv.Host16(readU16(ring, availIdxOff))
}

func availRingEntry(ring []byte, i uint16, conv endian.Converter) uint16 {
	return conv.Host16(readU16(ring, availRingOff+int(i)*2))
}

func availEventOffset(size uint16) int { return availRingOff + int(size)*2 }

func usedIdx(ring []byte, conv endian.Converter) uint16 {
	return conv.Host16(readU16(ring, usedIdxOff))
}

func setUsedIdx(ring []byte, v uint16, conv endian.Converter) {
	writeU16(ring, usedIdxOff, conv.Guest16(v))
}

func setUsedElem(ring []byte, size uint16, slot uint16, id, length uint32, conv endian.Converter) {
	off := usedRingOff + int(slot%size)*usedElemSize
	writeU32(ring, off, conv.Guest32(id))
	writeU32(ring, off+4, conv.Guest32(length))
}

func usedEventOffset(size uint16) int { return usedRingOff + int(size)*usedElemSize }

// readUsedEvent reads used_event, the word trailing the AVAIL ring's
// descriptor-index array (the guest publishes it there to tell the
// host when to interrupt).
func readUsedEvent(availRing []byte, size uint16, conv endian.Converter) uint16 {
	return conv.Host16(readU16(availRing, availEventOffset(size)))
}

// writeAvailEvent writes avail_event, the word trailing the USED
// ring's (id,len) array (the host publishes it there to tell the
// guest when to kick).
func writeAvailEvent(usedRing []byte, size uint16, v uint16, conv endian.Converter) {
	writeU16(usedRing, usedEventOffset(size), conv.Guest16(v))
}
