package virtqueue

import (
	"fmt"

	"github.com/go-virtio/virtio-core/endian"
	"github.com/go-virtio/virtio-core/iovec"
)

// packedEngine implements §4.4: the single merged descriptor/avail/
// used ring with per-slot phase ownership. Grounded on struct
// packed_vring and virt_queue_packed__{available,pop,set_used_elem}
// in original_source's virtio.h.
type packedEngine struct {
	size    uint16
	conv    endian.Converter
	barrier Barrier

	desc        []byte
	driverEvent []byte
	deviceEvent []byte

	lastAvailIdx     uint16
	lastUsedIdx      uint16
	signalledUsedIdx uint16
	availPhase       bool
	usedPhase        bool
}

// available implements §4.4 available(): a descriptor is available
// iff its AVAIL bit equals avail_phase and its USED bit equals
// !avail_phase.
func (e *packedEngine) available() bool {
	e.barrier.Acquire()

	_, _, _, flags, err := iovec.DecodePackedDescriptor(e.desc, e.lastAvailIdx, e.conv)
	if err != nil {
		return false
	}

	avail := flags&iovec.FlagAvail != 0
	used := flags&iovec.FlagUsed != 0

	return avail == e.availPhase && used != e.availPhase
}

// pop implements §4.4 pop(n): resolve the chain at the current head,
// advance last_avail_idx by the number of descriptors it consumed
// (mod size), flipping avail_phase on wrap. The returned consumed
// count is the chain's real descriptor count -- callers need it to
// advance last_used_idx/used_phase by the same amount set_used used.
func (e *packedEngine) pop(mem iovec.Translator) (iovec.Chain, uint16, uint16, error) {
	chain, _, consumed, err := iovec.ResolvePackedChain(mem, e.conv, e.desc, e.size, e.lastAvailIdx)
	if err != nil {
		return iovec.Chain{}, 0, 0, fmt.Errorf("virtqueue: packed pop: %w", err)
	}

	head := e.lastAvailIdx

	next := uint32(e.lastAvailIdx) + uint32(consumed)
	if next >= uint32(e.size) {
		next -= uint32(e.size)
		e.availPhase = !e.availPhase
	}

	e.lastAvailIdx = uint16(next)

	return chain, head, consumed, nil
}

// setUsed implements §4.4 set_used(head, len, sgs): write the
// completion descriptor's id/len, then -- as the very last access to
// the slot, preceded by a write barrier -- its AVAIL/USED flags, both
// set to used_phase to signal host ownership release. Advances
// last_used_idx by sgs, flipping used_phase on wrap.
func (e *packedEngine) setUsed(head uint16, id uint16, length uint32, sgs uint16) {
	off := int(head) * descEntrySize
	writeU32(e.desc, off+8, e.conv.Guest32(length))
	writeU16(e.desc, off+12, e.conv.Guest16(id))

	e.barrier.Release()

	var flags uint16
	if e.usedPhase {
		flags = iovec.FlagAvail | iovec.FlagUsed
	}

	writeU16(e.desc, off+14, e.conv.Guest16(flags))

	next := uint32(e.lastUsedIdx) + uint32(sgs)
	if next >= uint32(e.size) {
		next -= uint32(e.size)
		e.usedPhase = !e.usedPhase
	}

	e.lastUsedIdx = uint16(next)
}

// shouldSignal implements §4.4 should_signal(): consult driver_event
// (off_wrap/flags) for the interval (signalled_used_idx, last_used_idx].
func (e *packedEngine) shouldSignal() bool {
	const (
		rfcDisable = 0x0
		rfcEnable  = 0x1
		rfcDesc    = 0x2
	)

	offWrap := e.conv.Host16(readU16(e.driverEvent, 0))
	flags := e.conv.Host16(readU16(e.driverEvent, 2))

	switch flags {
	case rfcDisable:
		return false
	case rfcEnable:
		e.signalledUsedIdx = e.lastUsedIdx

		return true
	case rfcDesc:
		target := offWrap & 0x7fff

		if idxInInterval(e.signalledUsedIdx, e.lastUsedIdx, target) {
			e.signalledUsedIdx = e.lastUsedIdx

			return true
		}

		return false
	default:
		return false
	}
}

func newPackedEngine(cfg Config, addr PackedVringAddr, mem iovec.Translator, conv endian.Converter) (*packedEngine, error) {
	desc, err := mem.Translate(addr.Desc, uint32(PackedDescTableSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate packed desc ring: %w", err)
	}

	driverEvent, err := mem.Translate(addr.Driver, 4)
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate driver event: %w", err)
	}

	deviceEvent, err := mem.Translate(addr.Device, 4)
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate device event: %w", err)
	}

	return &packedEngine{
		size:        cfg.Size,
		conv:        conv,
		desc:        desc,
		driverEvent: driverEvent,
		deviceEvent: deviceEvent,
		availPhase:  true,
		usedPhase:   true,
	}, nil
}
