// Package iovec resolves a guest descriptor chain -- split or packed --
// into an ordered host iovec array, the job spec.md §4.2 calls the
// "descriptor translator". It is the one place in the module that
// walks guest-controlled chain-following structures, so it is also
// where protocol violations (§7 tier 1: cycles, length overflow,
// a writable segment followed by a readable one) are detected and
// reported instead of trusted.
package iovec

import (
	"errors"
	"fmt"

	"github.com/go-virtio/virtio-core/endian"
)

// Descriptor flag bits, shared by the split and packed wire formats
// (virtio 1.x keeps the low three bits identical across both rings).
const (
	FlagNext     uint16 = 1 << 0
	FlagWrite    uint16 = 1 << 1
	FlagIndirect uint16 = 1 << 2
)

// Packed-ring-only flag bits (avail/used phase ownership), not used by
// the split decoder but kept here since both decoders live in this
// package and share the descriptor byte layout helpers.
const (
	FlagAvail uint16 = 1 << 7
	FlagUsed  uint16 = 1 << 15
)

var (
	// ErrMalformedDescriptor covers every §7 tier-1 protocol violation:
	// cycles, length overflow, and write-before-read ordering.
	ErrMalformedDescriptor = errors.New("iovec: malformed descriptor chain")

	// ErrTranslationOOB wraps a Translator failure (a guest-physical
	// address/length pair outside mapped RAM) -- a §7 tier-3 transport
	// failure, not a chain-shape violation.
	ErrTranslationOOB = errors.New("iovec: address translation failed")

	// ErrPackedIndirectUnsupported is returned for a packed descriptor
	// carrying the INDIRECT flag. Packed INDIRECT is a known gap (see
	// spec §9 / DESIGN.md Open Questions) rather than a guessed
	// behavior.
	ErrPackedIndirectUnsupported = errors.New("iovec: packed-ring indirect descriptors are not supported")
)

// Translator resolves a guest-physical address/length into a host
// byte slice. It is the memory-translator collaborator named in
// spec §6; memory.GuestRAM implements it structurally.
type Translator interface {
	Translate(addr uint64, length uint32) ([]byte, error)
}

// Segment is one resolved scatter/gather entry: a host-addressable
// slice backed directly by guest RAM (no copy) plus whether the guest
// may write through it.
type Segment struct {
	Buf   []byte
	Write bool
}

// Chain is a fully resolved descriptor chain: out-segments (guest
// readable, host-writable-only-by-nobody... i.e. data the guest
// produced) always precede in-segments (guest-writable, where the
// host deposits a response), per invariant P5/§4.2 step 3.
type Chain struct {
	Out []Segment
	In  []Segment
}

// OutBytes/InBytes total the bytes across all out/in segments.
func (c Chain) OutBytes() int {
	n := 0
	for _, s := range c.Out {
		n += len(s.Buf)
	}

	return n
}

func (c Chain) InBytes() int {
	n := 0
	for _, s := range c.In {
		n += len(s.Buf)
	}

	return n
}

// Segments returns out then in, the layout the wire protocol and §4.7
// request handling expect (header/out-data first, status/in-data
// last).
func (c Chain) Segments() []Segment {
	out := make([]Segment, 0, len(c.Out)+len(c.In))
	out = append(out, c.Out...)
	out = append(out, c.In...)

	return out
}

// ToSyscallIovec mirrors go-fuse's fuse/syscall.go Writev helper: it
// builds a []byte-addressed view list a backend can hand straight to
// readv(2)/writev(2) via golang.org/x/sys/unix, with no extra copy.
func ToSyscallIovec(segs []Segment) [][]byte {
	bufs := make([][]byte, len(segs))
	for i, s := range segs {
		bufs[i] = s.Buf
	}

	return bufs
}

// chainBuilder accumulates segments while enforcing P5 (out-before-in)
// and the total-segment cap, shared by the split and packed walkers.
type chainBuilder struct {
	chain   Chain
	sawIn   bool
	limit   int
	entries int
}

func newChainBuilder(limit int) *chainBuilder {
	return &chainBuilder{limit: limit}
}

func (b *chainBuilder) add(buf []byte, write bool) error {
	b.entries++
	if b.entries > b.limit {
		return fmt.Errorf("%w: chain exceeds queue size %d", ErrMalformedDescriptor, b.limit)
	}

	if write {
		b.sawIn = true
		b.chain.In = append(b.chain.In, Segment{Buf: buf, Write: true})

		return nil
	}

	if b.sawIn {
		return fmt.Errorf("%w: out-segment follows an in-segment", ErrMalformedDescriptor)
	}

	b.chain.Out = append(b.chain.Out, Segment{Buf: buf})

	return nil
}

// translate wraps Translator.Translate, normalizing its error under
// ErrTranslationOOB so personalities can errors.Is it uniformly.
func translate(t Translator, addr uint64, length uint32) ([]byte, error) {
	buf, err := t.Translate(addr, length)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslationOOB, err)
	}

	return buf, nil
}

// splitDescSize is sizeof(struct vring_desc): le64 addr, le32 len,
// le16 flags, le16 next.
const splitDescSize = 16

// DecodeSplitDescriptor reads the descriptor at index idx out of a
// translated split descriptor table, converting every field from the
// queue's negotiated guest order.
func DecodeSplitDescriptor(table []byte, idx uint16, conv endian.Converter) (addr uint64, length uint32, flags uint16, next uint16, err error) {
	off := int(idx) * splitDescSize
	if off+splitDescSize > len(table) {
		return 0, 0, 0, 0, fmt.Errorf("%w: descriptor index %d out of range", ErrMalformedDescriptor, idx)
	}

	e := table[off : off+splitDescSize]
	addr = conv.Host64(leUint64(e[0:8]))
	length = conv.Host32(leUint32(e[8:12]))
	flags = conv.Host16(leUint16(e[12:14]))
	next = conv.Host16(leUint16(e[14:16]))

	return addr, length, flags, next, nil
}

// ResolveSplitChain walks a NEXT-linked split descriptor chain
// starting at head, translating each descriptor's guest-physical
// address/length into a Segment and expanding a single level of
// INDIRECT in place (spec §4.2 step 2). qsize bounds both the cycle
// check and the indirect-table walk.
func ResolveSplitChain(t Translator, conv endian.Converter, table []byte, qsize uint16, head uint16) (Chain, error) {
	b := newChainBuilder(int(qsize))

	visited := make(map[uint16]bool, qsize)
	idx := head

	for {
		if visited[idx] {
			return Chain{}, fmt.Errorf("%w: cycle at descriptor %d", ErrMalformedDescriptor, idx)
		}
		visited[idx] = true

		addr, length, flags, next, err := DecodeSplitDescriptor(table, idx, conv)
		if err != nil {
			return Chain{}, err
		}

		if flags&FlagIndirect != 0 {
			if err := resolveIndirect(t, conv, b, addr, length); err != nil {
				return Chain{}, err
			}
		} else {
			buf, err := translate(t, addr, length)
			if err != nil {
				return Chain{}, err
			}

			if err := b.add(buf, flags&FlagWrite != 0); err != nil {
				return Chain{}, err
			}
		}

		if flags&FlagNext == 0 {
			break
		}

		idx = next
	}

	return b.chain, nil
}

// resolveIndirect translates and walks a single indirect descriptor
// table. Nested INDIRECT is rejected: the virtio spec forbids an
// indirect table descriptor from itself being indirect.
func resolveIndirect(t Translator, conv endian.Converter, b *chainBuilder, addr uint64, length uint32) error {
	if length == 0 || int(length)%splitDescSize != 0 {
		return fmt.Errorf("%w: indirect table length %d not a multiple of %d", ErrMalformedDescriptor, length, splitDescSize)
	}

	table, err := translate(t, addr, length)
	if err != nil {
		return err
	}

	count := uint16(length / splitDescSize)

	idx := uint16(0)
	for {
		daddr, dlen, flags, next, err := DecodeSplitDescriptor(table, idx, conv)
		if err != nil {
			return err
		}

		if flags&FlagIndirect != 0 {
			return fmt.Errorf("%w: nested indirect descriptor", ErrMalformedDescriptor)
		}

		buf, err := translate(t, daddr, dlen)
		if err != nil {
			return err
		}

		if err := b.add(buf, flags&FlagWrite != 0); err != nil {
			return err
		}

		if flags&FlagNext == 0 {
			break
		}

		idx = next
		if idx >= count {
			return fmt.Errorf("%w: indirect next %d out of range", ErrMalformedDescriptor, idx)
		}
	}

	return nil
}

// packedDescSize is sizeof(struct vring_packed_desc): le64 addr,
// le32 len, le16 id, le16 flags.
const packedDescSize = 16

// DecodePackedDescriptor reads the descriptor at ring slot idx out of
// a translated packed descriptor table.
func DecodePackedDescriptor(table []byte, idx uint16, conv endian.Converter) (addr uint64, length uint32, id uint16, flags uint16, err error) {
	off := int(idx) * packedDescSize
	if off+packedDescSize > len(table) {
		return 0, 0, 0, 0, fmt.Errorf("%w: descriptor slot %d out of range", ErrMalformedDescriptor, idx)
	}

	e := table[off : off+packedDescSize]
	addr = conv.Host64(leUint64(e[0:8]))
	length = conv.Host32(leUint32(e[8:12]))
	id = conv.Host16(leUint16(e[12:14]))
	flags = conv.Host16(leUint16(e[14:16]))

	return addr, length, id, flags, nil
}

// ResolvePackedChain walks a packed-ring chain: consecutive ring
// slots (wrapping at qsize) starting at head, each but the last
// carrying FlagNext. It returns the resolved Chain, the buffer ID
// from the chain's head descriptor, and how many ring slots the chain
// consumed so the caller can advance its index.
func ResolvePackedChain(t Translator, conv endian.Converter, table []byte, qsize uint16, head uint16) (chain Chain, id uint16, consumed uint16, err error) {
	b := newChainBuilder(int(qsize))

	idx := head
	for i := uint16(0); ; i++ {
		if i >= qsize {
			return Chain{}, 0, 0, fmt.Errorf("%w: cycle in packed chain at slot %d", ErrMalformedDescriptor, idx)
		}

		addr, length, descID, flags, err := DecodePackedDescriptor(table, idx, conv)
		if err != nil {
			return Chain{}, 0, 0, err
		}

		if flags&FlagIndirect != 0 {
			return Chain{}, 0, 0, ErrPackedIndirectUnsupported
		}

		if i == 0 {
			id = descID
		}

		buf, err := translate(t, addr, length)
		if err != nil {
			return Chain{}, 0, 0, err
		}

		if err := b.add(buf, flags&FlagWrite != 0); err != nil {
			return Chain{}, 0, 0, err
		}

		consumed++

		if flags&FlagNext == 0 {
			break
		}

		idx++
		if idx == qsize {
			idx = 0
		}
	}

	return b.chain, id, consumed, nil
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
