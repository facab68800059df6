package transport

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-virtio/virtio-core/device"
	"github.com/go-virtio/virtio-core/endian"
	"github.com/go-virtio/virtio-core/iovec"
	"github.com/go-virtio/virtio-core/virtqueue"
)

const (
	legacyPageSize  = 4096
	ioPortRangeSize = 0x100
)

// IRQInjector raises a guest interrupt line, the same narrow
// collaborator interface as the teacher's virtio.IRQInjector
// (machine.InjectVirtioBlkIRQ/InjectVirtioNetIRQ).
type IRQInjector interface {
	InjectIRQ(line uint8)
}

// QueueLayout is the static per-queue shape a personality advertises
// at construction: its ring size. Per spec §9 "queue size ... is
// advertised as static", sizes never change after NewLegacyIOBus.
type QueueLayout struct {
	Size uint16
}

// LegacyIOBus is the minimal legacy virtio-over-PCI-IO-port reference
// transport adapter: it implements both transport.Device (the bus
// side the teacher's pci.bridge dispatches I/O port traps to) and
// device.Adapter (the interrupt-injection side device.Lifecycle
// calls). Port offsets below mirror the teacher's blk.go/net.go
// IOOutHandler switch (pfn/sel/kick/ISR), extended with the
// status/host-features/guest-features registers §6 names but the
// teacher's minimal reference omits.
type LegacyIOBus struct {
	mu sync.Mutex

	base uint64
	irq  uint8
	inj  IRQInjector

	mem iovec.Translator

	lifecycle   *device.Lifecycle
	personality legacyPersonality
	layouts     []QueueLayout
	queues      []*virtqueue.VirtQueue

	sel    uint16
	isr    uint8
	status uint8

	deviceID, vendorID, subsystemID uint16

	log zerolog.Logger
}

// legacyPersonality is the subset of device.Personality plus queue
// construction the bus needs once a guest writes a queue's pfn.
type legacyPersonality interface {
	device.Personality
	InitVQ(index int, q *virtqueue.VirtQueue) error
	NotifyVQ(index int)
}

const (
	offHostFeatures  = 0x00
	offGuestFeatures = 0x04
	offQueuePFN      = 0x08
	offQueueSize     = 0x0C
	offQueueSelect   = 0x0E
	offQueueNotify   = 0x10
	offStatus        = 0x12
	offISR           = 0x13
	offConfig        = 0x14
)

// NewLegacyIOBus builds a bus bound to one device's lifecycle and
// queue set. layouts[i].Size is the fixed ring size for queue i
// (§3: 128 for block, 256 for network).
func NewLegacyIOBus(base uint64, irq uint8, inj IRQInjector, mem iovec.Translator, lifecycle *device.Lifecycle, personality legacyPersonality, layouts []QueueLayout, deviceID, vendorID, subsystemID uint16, log zerolog.Logger) *LegacyIOBus {
	return &LegacyIOBus{
		base:        base,
		irq:         irq,
		inj:         inj,
		mem:         mem,
		lifecycle:   lifecycle,
		personality: personality,
		layouts:     layouts,
		queues:      make([]*virtqueue.VirtQueue, len(layouts)),
		deviceID:    deviceID,
		vendorID:    vendorID,
		subsystemID: subsystemID,
		log:         log.With().Str("component", "legacy-io-bus").Logger(),
	}
}

func (b *LegacyIOBus) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:      b.deviceID,
		VendorID:      b.vendorID,
		SubsystemID:   b.subsystemID,
		Command:       1,
		BAR:           [6]uint32{uint32(b.base) | 0x1},
		InterruptPin:  1,
		InterruptLine: b.irq,
	}
}

func (b *LegacyIOBus) GetIORange() (uint64, uint64) {
	return b.base, b.base + ioPortRangeSize
}

func (b *LegacyIOBus) IOInHandler(port uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := port - b.base

	switch {
	case off == offHostFeatures:
		PutNum(data, b.lifecycle.HostFeatures())
	case off == offQueueSize:
		if int(b.sel) < len(b.layouts) {
			size, err := b.personality.GetSizeVQ(int(b.sel))
			if err != nil {
				size = b.layouts[b.sel].Size
			}

			PutNum(data, uint64(size))
		}
	case off == offStatus:
		data[0] = b.status
	case off == offISR:
		data[0] = b.isr
		b.isr = 0 // ISR clears on read, per the teacher's blk_test.go
	case off >= offConfig:
		cfg := b.lifecycle.RefreshConfig()
		i := int(off - offConfig)
		if i < len(cfg) {
			copy(data, cfg[i:])
		}
	default:
	}

	return nil
}

func (b *LegacyIOBus) IOOutHandler(port uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := port - b.base

	switch {
	case off == offGuestFeatures:
		b.lifecycle.WriteFeatures(BytesToNum(data))
	case off == offQueuePFN:
		return b.writeQueuePFN(uint32(BytesToNum(data)))
	case off == offQueueSelect:
		b.sel = uint16(BytesToNum(data))
	case off == offQueueNotify:
		idx := uint16(BytesToNum(data))
		if int(idx) < len(b.queues) && b.queues[idx] != nil {
			b.personality.NotifyVQ(int(idx))
		}
	case off == offStatus:
		b.status = uint8(BytesToNum(data))
		if err := b.lifecycle.WriteStatus(b.status); err != nil {
			b.log.Warn().Err(err).Msg("status write rejected")
		}

		if b.status == 0 {
			b.exitQueues()
		}
	default:
	}

	return nil
}

// writeQueuePFN places a queue's split rings starting at pfn*4096,
// matching the teacher's "Queue PFN is aligned to page" comment in
// blk.go, with the avail ring immediately after desc and the used
// ring at the next page boundary (legacy virtio's required used-ring
// alignment). The write is ignored while FAILED or NEEDS_RESET is set
// (invariant 4, §3).
func (b *LegacyIOBus) writeQueuePFN(pfn uint32) error {
	status := device.Status(b.lifecycle.Status())
	if status.Has(device.Failed) || status.Has(device.NeedsReset) {
		b.log.Warn().Uint16("queue", b.sel).Msg("queue address write ignored until reset")

		return nil
	}

	if int(b.sel) >= len(b.layouts) {
		return fmt.Errorf("transport: pfn write for unknown queue %d", b.sel)
	}

	size := b.layouts[b.sel].Size
	base := uint64(pfn) * legacyPageSize

	descSize := uint64(virtqueue.DescTableSize(size))
	availSize := uint64(virtqueue.AvailRingSize(size))

	addr := virtqueue.SplitVringAddr{
		Desc:  base,
		Avail: base + descSize,
		Used:  roundUpPage(base + descSize + availSize),
	}

	cfg := virtqueue.Config{
		Index:       int(b.sel),
		Size:        size,
		Endian:      endian.LE,
		UseEventIdx: b.lifecycle.Features().Has(device.FeatureEventIdx),
		IsPacked:    false,
	}

	if b.lifecycle.Features().Has(device.FeatureRingPacked) {
		return fmt.Errorf("transport: legacy bus does not support RING_PACKED")
	}

	q, err := virtqueue.NewSplit(cfg, addr, b.mem)
	if err != nil {
		b.lifecycle.MarkFailed()

		return fmt.Errorf("transport: construct queue %d: %w", b.sel, err)
	}

	b.queues[b.sel] = q

	return b.personality.InitVQ(int(b.sel), q)
}

// exitQueues releases every queue this bus constructed, called on the
// guest's status reset write (§6 exit_vq). GetVQ confirms the
// personality still has its own reference before asking it to tear
// that queue down, since the bus and the personality can only diverge
// if a prior exit_vq already ran for that index.
func (b *LegacyIOBus) exitQueues() {
	for i, q := range b.queues {
		if q == nil {
			continue
		}

		if _, err := b.personality.GetVQ(i); err != nil {
			b.log.Warn().Int("queue", i).Err(err).Msg("exit_vq: personality has no queue at this index")

			continue
		}

		if err := b.personality.ExitVQ(i); err != nil {
			b.log.Warn().Int("queue", i).Err(err).Msg("exit_vq failed")
		}

		b.queues[i] = nil
	}
}

func roundUpPage(n uint64) uint64 {
	if n%legacyPageSize == 0 {
		return n
	}

	return (n/legacyPageSize + 1) * legacyPageSize
}

// InjectInterrupt implements device.Adapter: mark the ISR queue bit
// pending, then raise the device's IRQ line. Legacy virtio interrupts
// carry no queue index, the guest rereads ISR to find out which queue.
func (b *LegacyIOBus) InjectInterrupt(queueIndex int) {
	b.mu.Lock()
	b.isr |= 0x1
	b.mu.Unlock()

	b.inj.InjectIRQ(b.irq)
}

// InjectConfigInterrupt raises the config-change interrupt class.
func (b *LegacyIOBus) InjectConfigInterrupt() {
	b.mu.Lock()
	b.isr |= 0x2
	b.mu.Unlock()

	b.inj.InjectIRQ(b.irq)
}
