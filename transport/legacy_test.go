package transport_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/go-virtio/virtio-core/device"
	"github.com/go-virtio/virtio-core/transport"
	"github.com/go-virtio/virtio-core/virtqueue"
)

type fakeMem struct{ buf []byte }

func (m *fakeMem) Translate(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end > uint64(len(m.buf)) {
		return nil, io.ErrUnexpectedEOF
	}

	return m.buf[addr:end], nil
}

type fakeInjector struct{ lines []uint8 }

func (f *fakeInjector) InjectIRQ(line uint8) { f.lines = append(f.lines, line) }

type fakePersonality struct {
	initialized []int
	notified    []int
}

func (p *fakePersonality) ConfigBytes() []byte          { return []byte{0xAA, 0xBB} }
func (p *fakePersonality) HostFeatures() device.Feature { return 0 }
func (p *fakePersonality) Start() error                 { return nil }
func (p *fakePersonality) Stop() error                  { return nil }

func (p *fakePersonality) GetVQ(index int) (*virtqueue.VirtQueue, error) { return nil, nil }
func (p *fakePersonality) ExitVQ(index int) error                        { return nil }
func (p *fakePersonality) GetSizeVQ(index int) (uint16, error)           { return 128, nil }
func (p *fakePersonality) SetSizeVQ(index int, size uint16) error        { return nil }
func (p *fakePersonality) NotifyStatus(status uint8)                     {}
func (p *fakePersonality) NotifyVQGSI(index int, gsi uint32) error       { return nil }
func (p *fakePersonality) NotifyVQEventFD(index int, fd int) error       { return nil }

func (p *fakePersonality) InitVQ(index int, q *virtqueue.VirtQueue) error {
	p.initialized = append(p.initialized, index)

	return nil
}

func (p *fakePersonality) NotifyVQ(index int) {
	p.notified = append(p.notified, index)
}

func TestLegacyBusQueuePFNConstructsQueue(t *testing.T) {
	t.Parallel()

	mem := &fakeMem{buf: make([]byte, 1<<20)}
	p := &fakePersonality{}
	lc := device.NewLifecycle(p, nil, nil, 0, zerolog.New(io.Discard))
	inj := &fakeInjector{}

	bus := transport.NewLegacyIOBus(0x6300, 11, inj, mem, lc, p,
		[]transport.QueueLayout{{Size: 128}}, 0x1001, 0x1AF4, 2, zerolog.New(io.Discard))
	lc.SetAdapter(bus)

	pfnBytes := make([]byte, 4)
	transport.PutNum(pfnBytes, 1) // pfn=1 -> base offset 4096

	if err := bus.IOOutHandler(0x6300+0x08, pfnBytes); err != nil {
		t.Fatalf("IOOutHandler(pfn): %v", err)
	}

	if len(p.initialized) != 1 || p.initialized[0] != 0 {
		t.Fatalf("expected InitVQ(0) to fire, got %v", p.initialized)
	}

	notify := make([]byte, 2)
	transport.PutNum(notify, 0)

	if err := bus.IOOutHandler(0x6300+0x10, notify); err != nil {
		t.Fatalf("IOOutHandler(notify): %v", err)
	}

	if len(p.notified) != 1 || p.notified[0] != 0 {
		t.Fatalf("expected NotifyVQ(0) to fire, got %v", p.notified)
	}
}

func TestLegacyBusISRClearsOnRead(t *testing.T) {
	t.Parallel()

	mem := &fakeMem{buf: make([]byte, 1<<16)}
	p := &fakePersonality{}
	lc := device.NewLifecycle(p, nil, nil, 0, zerolog.New(io.Discard))
	inj := &fakeInjector{}

	bus := transport.NewLegacyIOBus(0x6300, 11, inj, mem, lc, p,
		[]transport.QueueLayout{{Size: 128}}, 0x1001, 0x1AF4, 2, zerolog.New(io.Discard))
	lc.SetAdapter(bus)

	bus.InjectInterrupt(0)

	if len(inj.lines) != 1 {
		t.Fatalf("expected one IRQ injection, got %d", len(inj.lines))
	}

	isr := make([]byte, 1)
	if err := bus.IOInHandler(0x6300+0x13, isr); err != nil {
		t.Fatalf("IOInHandler(isr): %v", err)
	}

	if isr[0]&0x1 == 0 {
		t.Fatal("expected ISR bit 0 set on first read")
	}

	if err := bus.IOInHandler(0x6300+0x13, isr); err != nil {
		t.Fatalf("IOInHandler(isr) second read: %v", err)
	}

	if isr[0] != 0 {
		t.Fatalf("ISR should clear on read, got %#x", isr[0])
	}
}

func TestLegacyBusDeviceHeader(t *testing.T) {
	t.Parallel()

	mem := &fakeMem{buf: make([]byte, 4096)}
	p := &fakePersonality{}
	lc := device.NewLifecycle(p, nil, nil, 0, zerolog.New(io.Discard))
	inj := &fakeInjector{}

	bus := transport.NewLegacyIOBus(0x6300, 11, inj, mem, lc, p,
		[]transport.QueueLayout{{Size: 128}}, 0x1001, 0x1AF4, 2, zerolog.New(io.Discard))

	h := bus.GetDeviceHeader()
	if h.DeviceID != 0x1001 || h.VendorID != 0x1AF4 {
		t.Fatalf("unexpected device header %+v", h)
	}
}
