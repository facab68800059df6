package virtqueue

import "github.com/go-virtio/virtio-core/iovec"

// Request is one outstanding descriptor chain, addressable by the
// asynchronous backend across thread boundaries (§3 "Request
// context", §9 "Ownership of the request pool"). Grounded on
// blk_dev_req in original_source's virtio/blk.c, generalized to both
// ring formats: Head is the split descriptor index or the packed ring
// slot of the chain's first descriptor.
type Request struct {
	Head  uint16
	Chain iovec.Chain

	// StatusByte points into the final in-segment's last byte, where
	// the block personality carves off the single-byte status field
	// (§4.7). nil for personalities that don't use it.
	StatusByte []byte
}

// RequestPool is the fixed per-queue array described in §9: a pool
// sized to the queue's maximum in-flight count, indexed by descriptor
// head, avoiding per-request heap allocation and giving O(1) lookup on
// completion. Grounded on blk_dev.reqs[VIRTIO_BLK_QUEUE_SIZE] in
// original_source's virtio/blk.c.
type RequestPool struct {
	slots []Request
	inUse []bool
}

// NewRequestPool allocates a pool with one slot per possible
// descriptor head (0..size-1).
func NewRequestPool(size uint16) *RequestPool {
	return &RequestPool{
		slots: make([]Request, size),
		inUse: make([]bool, size),
	}
}

// Acquire claims the slot for head, recording req. Returns false if
// the slot is already in flight -- invariant 2 in §3 ("no descriptor
// head is in flight more than once") being violated by a misbehaving
// or malicious guest.
func (p *RequestPool) Acquire(head uint16, req Request) bool {
	if p.inUse[head] {
		return false
	}

	p.inUse[head] = true
	p.slots[head] = req

	return true
}

// Get returns the in-flight request for head, if any.
func (p *RequestPool) Get(head uint16) (Request, bool) {
	if !p.inUse[head] {
		return Request{}, false
	}

	return p.slots[head], true
}

// Release frees the slot, making head available for a future avail
// entry.
func (p *RequestPool) Release(head uint16) {
	p.inUse[head] = false
	p.slots[head] = Request{}
}
