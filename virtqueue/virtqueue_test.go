package virtqueue_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-virtio/virtio-core/endian"
	"github.com/go-virtio/virtio-core/iovec"
	"github.com/go-virtio/virtio-core/virtqueue"
)

// flatMem is a trivial iovec.Translator over one contiguous buffer,
// standing in for memory.GuestRAM in these unit tests.
type flatMem struct {
	buf []byte
}

func newFlatMem(size int) *flatMem { return &flatMem{buf: make([]byte, size)} }

func (m *flatMem) Translate(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end > uint64(len(m.buf)) {
		return nil, errors.New("out of bounds")
	}

	return m.buf[addr:end], nil
}

func putSplitDesc(table []byte, idx int, addr uint64, length uint32, flags, next uint16) {
	off := idx * 16
	binary.LittleEndian.PutUint64(table[off:], addr)
	binary.LittleEndian.PutUint32(table[off+8:], length)
	binary.LittleEndian.PutUint16(table[off+12:], flags)
	binary.LittleEndian.PutUint16(table[off+14:], next)
}

// layout lays out desc|avail|used contiguously starting at base, and
// returns the three addresses plus the total size consumed.
func splitLayout(base uint64, size uint16) (virtqueue.SplitVringAddr, uint64) {
	descSize := uint64(virtqueue.DescTableSize(size))
	availSize := uint64(virtqueue.AvailRingSize(size))
	usedSize := uint64(virtqueue.UsedRingSize(size))

	addr := virtqueue.SplitVringAddr{
		Desc:  base,
		Avail: base + descSize,
		Used:  base + descSize + availSize,
	}

	return addr, descSize + availSize + usedSize
}

func TestSplitSingleChainEndToEnd(t *testing.T) {
	t.Parallel()

	const size = 128

	mem := newFlatMem(1 << 20)
	addr, _ := splitLayout(0, size)

	copy(mem.buf[addr.Desc:], make([]byte, virtqueue.DescTableSize(size)))
	descTable := mem.buf[addr.Desc : addr.Desc+uint64(virtqueue.DescTableSize(size))]
	putSplitDesc(descTable, 0, 0x10000, 16, iovec.FlagNext, 1)
	putSplitDesc(descTable, 1, 0x20000, 4096, iovec.FlagWrite, 0)

	// avail.idx = 1, avail.ring[0] = 0 (head descriptor index).
	binary.LittleEndian.PutUint16(mem.buf[addr.Avail+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[addr.Avail+4:], 0)

	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.LE}

	q, err := virtqueue.NewSplit(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}

	q.Enable()

	avail, err := q.Available()
	if err != nil || !avail {
		t.Fatalf("Available() = %v, %v; want true, nil", avail, err)
	}

	head, chain, sgs, err := q.PopHeadAndIOV()
	if err != nil {
		t.Fatalf("PopHeadAndIOV: %v", err)
	}

	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}

	if len(chain.Out) != 1 || len(chain.In) != 1 {
		t.Fatalf("chain out=%d in=%d, want 1,1", len(chain.Out), len(chain.In))
	}

	q.SetUsed(head, 4096, sgs)
	q.UsedIdxAdvance(sgs)

	usedIdx := binary.LittleEndian.Uint16(mem.buf[addr.Used+2:])
	if usedIdx != 1 {
		t.Fatalf("used.idx = %d, want 1", usedIdx)
	}

	gotID := binary.LittleEndian.Uint32(mem.buf[addr.Used+4:])
	gotLen := binary.LittleEndian.Uint32(mem.buf[addr.Used+8:])
	if gotID != 0 || gotLen != 4096 {
		t.Fatalf("used entry = (id=%d, len=%d), want (0, 4096)", gotID, gotLen)
	}

	if q.ShouldSignal() != true {
		t.Fatal("ShouldSignal() should fire when NO_INTERRUPT is not set and EVENT_IDX is off")
	}
}

func TestSplitEventIdxSuppressesUntilCrossed(t *testing.T) {
	t.Parallel()

	const size = 4

	mem := newFlatMem(1 << 16)
	addr, _ := splitLayout(0, size)

	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.LE, UseEventIdx: true}

	q, err := virtqueue.NewSplit(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}

	q.Enable()

	// used_event (trailing avail-ring word) = 0: guest wants to be
	// signalled once used.idx passes 0, i.e. on the very first
	// completion.
	usedEventOff := addr.Avail + 4 + uint64(size)*2
	binary.LittleEndian.PutUint16(mem.buf[usedEventOff:], 0)

	q.SetUsed(0, 10, 0)
	q.UsedIdxAdvance(1)

	if !q.ShouldSignal() {
		t.Fatal("expected a signal once used.idx crosses used_event+1")
	}

	// A second completion without moving used_event further should not
	// signal again (P4).
	q.SetUsed(0, 10, 0)
	q.UsedIdxAdvance(1)

	if q.ShouldSignal() {
		t.Fatal("expected suppression on the second completion (P4)")
	}
}

func TestSplitNoInterruptFlagSuppresses(t *testing.T) {
	t.Parallel()

	const size = 4

	mem := newFlatMem(1 << 16)
	addr, _ := splitLayout(0, size)

	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.LE}

	q, err := virtqueue.NewSplit(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}

	q.Enable()

	const noInterrupt = 1
	binary.LittleEndian.PutUint16(mem.buf[addr.Avail:], noInterrupt)

	q.SetUsed(0, 10, 0)
	q.UsedIdxAdvance(1)

	if q.ShouldSignal() {
		t.Fatal("NO_INTERRUPT flag should suppress the signal")
	}
}

func TestSplitBigEndianGuestAvailIdx(t *testing.T) {
	t.Parallel()

	const size = 4

	mem := newFlatMem(1 << 16)
	addr, _ := splitLayout(0, size)

	// A BE guest lays out every descriptor field big-endian as well:
	// addr=0x100, len=4, flags=0, next=0.
	descTable := mem.buf[addr.Desc : addr.Desc+uint64(virtqueue.DescTableSize(size))]
	binary.BigEndian.PutUint64(descTable[0:], 0x100)
	binary.BigEndian.PutUint32(descTable[8:], 4)

	// BE guest writes avail.idx = 1: stored as the big-endian encoding
	// of 1, which is the literal bytes {0x00, 0x01}.
	binary.BigEndian.PutUint16(mem.buf[addr.Avail+2:], 1)
	binary.LittleEndian.PutUint16(mem.buf[addr.Avail+4:], 0)

	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.BE}

	q, err := virtqueue.NewSplit(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}

	q.Enable()

	avail, err := q.Available()
	if err != nil || !avail {
		t.Fatalf("Available() = %v, %v; want true, nil", avail, err)
	}

	head, _, _, err := q.PopHeadAndIOV()
	if err != nil {
		t.Fatalf("PopHeadAndIOV: %v", err)
	}

	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}
}

func putPackedDesc(table []byte, idx int, addr uint64, length uint32, id, flags uint16) {
	off := idx * 16
	binary.LittleEndian.PutUint64(table[off:], addr)
	binary.LittleEndian.PutUint32(table[off+8:], length)
	binary.LittleEndian.PutUint16(table[off+12:], id)
	binary.LittleEndian.PutUint16(table[off+14:], flags)
}

func TestPackedTwoDescriptorChain(t *testing.T) {
	t.Parallel()

	const size = 256

	mem := newFlatMem(1 << 20)

	descBase := uint64(0)
	driverBase := uint64(virtqueue.PackedDescTableSize(size))
	deviceBase := driverBase + 4

	descTable := mem.buf[descBase : descBase+uint64(virtqueue.PackedDescTableSize(size))]
	putPackedDesc(descTable, 0, 0x1000, 64, 0, iovec.FlagNext|iovec.FlagAvail)
	putPackedDesc(descTable, 1, 0x2000, 64, 0, iovec.FlagAvail)

	addr := virtqueue.PackedVringAddr{Desc: descBase, Driver: driverBase, Device: deviceBase}

	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.LE, IsPacked: true}

	q, err := virtqueue.NewPacked(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewPacked: %v", err)
	}

	q.Enable()

	avail, err := q.Available()
	if err != nil || !avail {
		t.Fatalf("Available() = %v, %v; want true, nil", avail, err)
	}

	head, chain, sgs, err := q.PopHeadAndIOV()
	if err != nil {
		t.Fatalf("PopHeadAndIOV: %v", err)
	}

	if head != 0 || sgs != 2 {
		t.Fatalf("head=%d sgs=%d, want 0,2", head, sgs)
	}

	if len(chain.Out) != 2 {
		t.Fatalf("expected 2 out segments, got %d", len(chain.Out))
	}

	q.SetUsed(head, 64, sgs)

	flags0 := binary.LittleEndian.Uint16(descTable[14:16])
	gotID := binary.LittleEndian.Uint16(descTable[12:14])
	gotLen := binary.LittleEndian.Uint32(descTable[8:12])

	if flags0 != iovec.FlagAvail|iovec.FlagUsed {
		t.Fatalf("slot 0 flags after completion = %#x, want AVAIL=USED=1 (used_phase still true, no wrap yet)", flags0)
	}

	if gotID != 0 || gotLen != 64 {
		t.Fatalf("slot 0 (id,len) = (%d,%d), want (0,64)", gotID, gotLen)
	}
}

func TestPackedPhaseFlipsOnWrap(t *testing.T) {
	t.Parallel()

	const size = 2

	mem := newFlatMem(1 << 16)

	descTable := mem.buf[0 : virtqueue.PackedDescTableSize(size)]
	putPackedDesc(descTable, 0, 0x100, 4, 0, iovec.FlagAvail)
	putPackedDesc(descTable, 1, 0x200, 4, 0, iovec.FlagAvail)

	addr := virtqueue.PackedVringAddr{Desc: 0, Driver: uint64(len(descTable)), Device: uint64(len(descTable)) + 4}
	cfg := virtqueue.Config{Index: 0, Size: size, Endian: endian.LE, IsPacked: true}

	q, err := virtqueue.NewPacked(cfg, addr, mem)
	if err != nil {
		t.Fatalf("NewPacked: %v", err)
	}

	q.Enable()

	if _, _, _, err := q.PopHeadAndIOV(); err != nil {
		t.Fatalf("pop 1: %v", err)
	}

	if _, _, _, err := q.PopHeadAndIOV(); err != nil {
		t.Fatalf("pop 2: %v", err)
	}

	// After consuming the whole (size=2) ring once, avail_phase must
	// have flipped exactly once (P3): the guest's next descriptor at
	// slot 0 with the *old* phase's AVAIL bit must now read as
	// unavailable.
	putPackedDesc(descTable, 0, 0x100, 4, 0, iovec.FlagAvail)

	avail, err := q.Available()
	if err != nil {
		t.Fatalf("Available: %v", err)
	}

	if avail {
		t.Fatal("P3 violated: avail_phase did not flip after one full pass")
	}
}
