// Package virtqueue implements the shared-memory descriptor-ring
// protocols at the heart of virtio: the split ring (§4.3) and the
// packed ring (§4.4), unified behind one facade (§4.5) so device
// personalities never need to know which wire format is in play.
package virtqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-virtio/virtio-core/endian"
	"github.com/go-virtio/virtio-core/iovec"
)

// ErrQueueDisabled is returned by facade methods on a queue that has
// not completed the enable transition (§3 Lifecycle).
var ErrQueueDisabled = errors.New("virtqueue: queue is not enabled")

// Config is the per-queue negotiated shape named in §3's Virtqueue
// data model.
type Config struct {
	Index       int
	Size        uint16
	Endian      endian.Order
	UseEventIdx bool
	IsPacked    bool
}

// SplitVringAddr is the guest-physical placement of a split queue's
// three rings. A legacy transport derives these from a single pfn and
// page size; a modern transport reads three independent 64-bit
// addresses (§6 "Ring memory layout").
type SplitVringAddr struct {
	Desc  uint64
	Avail uint64
	Used  uint64
}

// PackedVringAddr is the guest-physical placement of a packed queue's
// descriptor ring and its two event-suppression structures.
type PackedVringAddr struct {
	Desc   uint64
	Driver uint64
	Device uint64
}

// VirtQueue is the facade named in §4.5: device personalities call
// Available/PopHeadAndIOV/SetUsed/ShouldSignal, plus the split-only
// UsedIdxAdvance and Pool; which ring engine services them is an
// implementation detail selected once at construction by cfg.IsPacked.
type VirtQueue struct {
	mu sync.Mutex

	cfg  Config
	mem  iovec.Translator
	conv endian.Converter

	enabled bool

	split  *splitEngine
	packed *packedEngine

	// stagedUsed counts split completions written via SetUsed since
	// the last UsedIdxAdvance, so each staged completion lands in its
	// own consecutive used-ring slot per §4.3 set_used (multiple
	// concurrent completions staged before a single batched advance).
	stagedUsed uint16

	pool *RequestPool
}

// NewSplit constructs a facade bound to the split-ring engine.
func NewSplit(cfg Config, addr SplitVringAddr, mem iovec.Translator) (*VirtQueue, error) {
	if cfg.IsPacked {
		return nil, fmt.Errorf("virtqueue: NewSplit called with IsPacked config")
	}

	conv := endian.New(cfg.Endian)

	e, err := newSplitEngine(cfg, addr, mem, conv)
	if err != nil {
		return nil, err
	}

	return &VirtQueue{
		cfg:   cfg,
		mem:   mem,
		conv:  conv,
		split: e,
		pool:  NewRequestPool(cfg.Size),
	}, nil
}

// NewPacked constructs a facade bound to the packed-ring engine.
func NewPacked(cfg Config, addr PackedVringAddr, mem iovec.Translator) (*VirtQueue, error) {
	if !cfg.IsPacked {
		return nil, fmt.Errorf("virtqueue: NewPacked called without IsPacked config")
	}

	conv := endian.New(cfg.Endian)

	e, err := newPackedEngine(cfg, addr, mem, conv)
	if err != nil {
		return nil, err
	}

	return &VirtQueue{
		cfg:    cfg,
		mem:    mem,
		conv:   conv,
		packed: e,
		pool:   NewRequestPool(cfg.Size),
	}, nil
}

// Enable transitions the queue into servicing state, per §3's
// "enabled on the ACKNOWLEDGE→DRIVER_OK transition".
func (q *VirtQueue) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.enabled = true
}

// Quiesce stops the queue from being serviced, without destroying its
// ring bindings, per §3's "quiesced on device stop or reset".
func (q *VirtQueue) Quiesce() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.enabled = false
}

func (q *VirtQueue) Size() uint16  { return q.cfg.Size }
func (q *VirtQueue) Index() int    { return q.cfg.Index }
func (q *VirtQueue) Pool() *RequestPool { return q.pool }

// Available reports whether the guest has published at least one new
// descriptor chain since the last pop.
func (q *VirtQueue) Available() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return false, ErrQueueDisabled
	}

	if q.cfg.IsPacked {
		return q.packed.available(), nil
	}

	return q.split.available(), nil
}

// PopHeadAndIOV pops the next available descriptor chain and resolves
// it into an iovec.Chain (§4.2 + §4.3/§4.4 pop()). The returned head
// is the request-context cookie (descriptor index for split, the
// chain's first ring slot for packed); sgs is the number of ring slots
// the chain consumed,
// needed by split's batched used_idx_advance (§4.8 merged RX) and by
// packed's set_used.
func (q *VirtQueue) PopHeadAndIOV() (head uint16, chain iovec.Chain, sgs uint16, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return 0, iovec.Chain{}, 0, ErrQueueDisabled
	}

	if q.cfg.IsPacked {
		chain, head, consumed, err := q.packed.pop(q.mem)
		if err != nil {
			return 0, iovec.Chain{}, 0, err
		}

		return head, chain, consumed, nil
	}

	descHead := q.split.pop()

	chain, err = q.split.resolve(q.mem, descHead)
	if err != nil {
		return 0, iovec.Chain{}, 0, fmt.Errorf("virtqueue: resolve chain at head %d: %w", descHead, err)
	}

	return descHead, chain, 1, nil
}

// SetUsed publishes one completion (§4.3/§4.4 set_used). For packed
// rings sgs must be the value returned alongside the matching
// PopHeadAndIOV call; for split rings the caller advances the index
// separately via UsedIdxAdvance, allowing the batching §4.8 needs.
func (q *VirtQueue) SetUsed(head uint16, length uint32, sgs uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.IsPacked {
		q.packed.setUsed(head, head, length, sgs)

		return
	}

	slot := usedIdx(q.split.used, q.conv) + q.stagedUsed
	q.split.setUsed(head, length, slot)
	q.stagedUsed++
}

// UsedIdxAdvance is the split-specific batched index bump §4.5 singles
// out as the one engine-internal call device personalities may issue
// directly, used by the network RX path (§4.8) to publish several
// staged completions with one barrier instead of one per chain.
func (q *VirtQueue) UsedIdxAdvance(n uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.IsPacked {
		return
	}

	q.split.usedIdxAdvance(n)
	q.stagedUsed = 0
}

// ShouldSignal implements §4.3/§4.4 should_signal().
func (q *VirtQueue) ShouldSignal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.IsPacked {
		return q.packed.shouldSignal()
	}

	return q.split.shouldSignal()
}
