package virtqueue

import (
	"fmt"

	"github.com/go-virtio/virtio-core/endian"
	"github.com/go-virtio/virtio-core/iovec"
)

// splitEngine implements §4.3: the classic three-array avail/used/desc
// protocol. Grounded on virt_queue_split__{available,pop,set_used_elem,
// used_idx_advance,should_signal} in original_source's virtio.h, and on
// the teacher's virtio/net.go Rx/Tx ring walks for the ring-field
// access pattern (DescTable/AvailRing/UsedRing indexing by %QueueSize).
type splitEngine struct {
	size        uint16
	useEventIdx bool
	conv        endian.Converter
	barrier     Barrier

	desc  []byte
	avail []byte
	used  []byte

	lastAvailIdx      uint16
	lastUsedSignalled uint16
}

// available implements §4.3 available(): publish last_avail_idx into
// avail_event when EVENT_IDX is negotiated, full-barrier, then compare
// against the guest's avail.idx.
func (e *splitEngine) available() bool {
	if e.useEventIdx {
		writeAvailEvent(e.used, e.size, e.lastAvailIdx, e.conv)
	}

	e.barrier.Full()

	return availIdx(e.avail, e.conv) != e.lastAvailIdx
}

// pop implements §4.3 pop(): read barrier, read the next avail ring
// slot, advance last_avail_idx (16-bit wrap is implicit in uint16
// arithmetic).
func (e *splitEngine) pop() uint16 {
	e.barrier.Acquire()

	head := availRingEntry(e.avail, e.lastAvailIdx%e.size, e.conv)
	e.lastAvailIdx++

	return head
}

// resolve builds the iovec chain for a popped descriptor head.
func (e *splitEngine) resolve(mem iovec.Translator, head uint16) (iovec.Chain, error) {
	return iovec.ResolveSplitChain(mem, e.conv, e.desc, e.size, head)
}

// setUsed implements §4.3 set_used(): stage a completion without
// advancing used.idx, so multiple concurrent completions can land in
// the ring before the index is published.
func (e *splitEngine) setUsed(head uint16, length uint32, slot uint16) {
	setUsedElem(e.used, e.size, slot, uint32(head), length, e.conv)
}

// usedIdxAdvance implements §4.3 used_idx_advance(n): write barrier,
// then publish the new used.idx. The barrier guarantees the guest
// cannot observe the new index before the slot it names is populated.
func (e *splitEngine) usedIdxAdvance(n uint16) {
	e.barrier.Release()
	setUsedIdx(e.used, usedIdx(e.used, e.conv)+n, e.conv)
}

// shouldSignal implements §4.3 should_signal(): EVENT_IDX-aware
// suppression, or the legacy NO_INTERRUPT avail.flags check.
func (e *splitEngine) shouldSignal() bool {
	idx := usedIdx(e.used, e.conv)

	if e.useEventIdx {
		event := readUsedEvent(e.avail, e.size, e.conv)
		if !idxInInterval(e.lastUsedSignalled, idx, event+1) {
			return false
		}
	} else {
		const noInterrupt = 1
		if availFlags(e.avail, e.conv)&noInterrupt != 0 {
			return false
		}
	}

	e.lastUsedSignalled = idx

	return true
}

// idxInInterval reports whether target lies in the 16-bit circular
// half-open interval (lo, hi], matching "the interval (last_used_
// signalled, used.idx] contains used_event+1" from §4.3.
func idxInInterval(lo, hi, target uint16) bool {
	return uint16(target-lo-1) < uint16(hi-lo)
}

func newSplitEngine(cfg Config, addr SplitVringAddr, mem iovec.Translator, conv endian.Converter) (*splitEngine, error) {
	desc, err := mem.Translate(addr.Desc, uint32(DescTableSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate desc table: %w", err)
	}

	avail, err := mem.Translate(addr.Avail, uint32(AvailRingSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate avail ring: %w", err)
	}

	used, err := mem.Translate(addr.Used, uint32(UsedRingSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("virtqueue: translate used ring: %w", err)
	}

	return &splitEngine{
		size:        cfg.Size,
		useEventIdx: cfg.UseEventIdx,
		conv:        conv,
		desc:        desc,
		avail:       avail,
		used:        used,
	}, nil
}
