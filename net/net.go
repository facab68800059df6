// Package net implements the network device personality (§4.8): one
// or more RX/TX queue pairs plus a control queue, each serviced by its
// own worker goroutine, with merged-buffer receive accounting.
// Grounded on original_source/virtio/net.c
// (virtio_net_rx_thread/_tx_thread/_ctrl_thread) and the teacher's
// virtio/net.go (ring-walk shape, header layout).
package net

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/go-virtio/virtio-core/device"
	"github.com/go-virtio/virtio-core/iovec"
	"github.com/go-virtio/virtio-core/virtqueue"
)

// QueueSize is the fixed split-ring size for each RX/TX queue (§3).
const QueueSize = 256

// MaxQueuePairs bounds the number of RX/TX queue pairs (§4.8).
const MaxQueuePairs = 8

// MaxPacketSize is the largest Ethernet frame the RX path bounces
// through a single host buffer, matching net.c's MAX_PACKET_SIZE.
const MaxPacketSize = 65550

// Feature bits the network personality publishes in addition to the
// engine's own (§6).
const (
	FeatureCSUM     device.Feature = 1 << 0
	FeatureMAC      device.Feature = 1 << 5
	FeatureGTSO4    device.Feature = 1 << 7
	FeatureGTSO6    device.Feature = 1 << 8
	FeatureGUFO     device.Feature = 1 << 10
	FeatureMrgRxbuf device.Feature = 1 << 15
	FeatureCtrlVQ   device.Feature = 1 << 17
	FeatureMQ       device.Feature = 1 << 22
)

// Control queue command classes, matching virtio_net_ctrl_hdr.class.
const (
	ctrlClassMQ = 4
)

const (
	ctrlAck = 0
	ctrlErr = 1
)

// netHdrLen is sizeof(virtio_net_hdr_mrg_rxbuf): flags, gso_type,
// hdr_len, gso_size, csum_start, csum_offset, num_buffers -- each
// 1 or 2 bytes, 12 bytes total with num_buffers; the short
// virtio_net_hdr used by legacy non-MRG_RXBUF guests is the first 10.
const (
	netHdrLenShort = 10
	netHdrLenMrg   = 12
)

// Backend is the packet transport collaborator (§1's "TAP device or
// userspace network stack"): whole Ethernet frames in and out.
type Backend interface {
	// Read blocks for the next outbound Ethernet frame (device-to-guest
	// direction, i.e. RX from the guest's perspective).
	Read(buf []byte) (int, error)

	// Write delivers one Ethernet frame from the guest (TX).
	Write(buf []byte) (int, error)

	Close() error
}

// Config is the guest-visible network configuration space (§6: mac,
// status, max_virtqueue_pairs).
type Config struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
}

// Device is the network personality. It owns 2*QueuePairs data queues
// plus one control queue, each with its own worker.
type Device struct {
	mu sync.Mutex

	cfg        Config
	mergeRxbuf bool
	backend    Backend
	irq        irqTarget
	log        zerolog.Logger

	queuePairs int
	rxq        []*virtqueue.VirtQueue
	txq        []*virtqueue.VirtQueue
	ctrlq      *virtqueue.VirtQueue

	rxKick   []chan struct{}
	txKick   []chan struct{}
	ctrlKick chan struct{}

	txLimiter *rate.Limiter

	vhostPairs []bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

type irqTarget interface {
	InjectInterrupt(queueIndex int)
}

// New constructs a network device with queuePairs RX/TX pairs (1..=8).
func New(cfg Config, queuePairs int, backend Backend, adapter irqTarget, log zerolog.Logger) (*Device, error) {
	if queuePairs < 1 || queuePairs > MaxQueuePairs {
		return nil, fmt.Errorf("net: queue pairs %d out of range [1,%d]", queuePairs, MaxQueuePairs)
	}

	cfg.MaxVirtqueuePairs = uint16(queuePairs)

	d := &Device{
		cfg:        cfg,
		backend:    backend,
		irq:        adapter,
		log:        log.With().Str("component", "net").Logger(),
		queuePairs: queuePairs,
		rxq:        make([]*virtqueue.VirtQueue, queuePairs),
		txq:        make([]*virtqueue.VirtQueue, queuePairs),
		rxKick:     make([]chan struct{}, queuePairs),
		txKick:     make([]chan struct{}, queuePairs),
		ctrlKick:   make(chan struct{}, 1),
		vhostPairs: make([]bool, queuePairs),
	}

	for i := 0; i < queuePairs; i++ {
		d.rxKick[i] = make(chan struct{}, 1)
		d.txKick[i] = make(chan struct{}, 1)
	}

	return d, nil
}

// SetTXRateLimit caps outbound (guest-to-backend) bandwidth to
// bytesPerSec with the given burst, the optional shaping collaborator
// named alongside the block/network backends (§1). A nil limiter (the
// default) applies no shaping.
func (d *Device) SetTXRateLimit(bytesPerSec, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.txLimiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (d *Device) rateLimiter() *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.txLimiter
}

// EngageVhost hands pair's RX/TX queues to the vhost-net collaborator
// (§4.7): once engaged, Start no longer spawns userspace workers for
// that pair, since the kernel services its ring directly. Must be
// called before Start.
func (d *Device) EngageVhost(pair int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pair < 0 || pair >= d.queuePairs {
		return fmt.Errorf("net: vhost pair %d out of range [0,%d)", pair, d.queuePairs)
	}

	d.vhostPairs[pair] = true

	return nil
}

func (d *Device) vhostEngaged(pair int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.vhostPairs[pair]
}

// ConfigBytes implements device.Personality.
func (d *Device) ConfigBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, 10)
	copy(buf[0:6], d.cfg.MAC[:])
	binary.LittleEndian.PutUint16(buf[6:], d.cfg.Status)
	binary.LittleEndian.PutUint16(buf[8:], d.cfg.MaxVirtqueuePairs)

	return buf
}

// HostFeatures implements device.Personality.
func (d *Device) HostFeatures() device.Feature {
	f := FeatureMAC | FeatureCSUM | FeatureCtrlVQ | FeatureMrgRxbuf
	if d.queuePairs > 1 {
		f |= FeatureMQ
	}

	return f
}

// NegotiateFeatures records whether MRG_RXBUF was acknowledged, which
// governs the RX header length (§4.8). The legacy transport has no
// hook for it, so cmd/virtiomon calls it once negotiation is done; the
// personality has no direct feature-set reference of its own.
func (d *Device) NegotiateFeatures(negotiated device.Feature) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mergeRxbuf = negotiated&FeatureMrgRxbuf != 0
}

// queueCount is 2*queuePairs data queues plus one control queue.
func (d *Device) queueCount() int { return 2*d.queuePairs + 1 }

// InitVQ implements the transport-facing queue-construction hook.
// Queue indices follow net.c's convention: even = RX, odd = TX,
// interleaved per pair, and the final index is the control queue.
func (d *Device) InitVQ(index int, q *virtqueue.VirtQueue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case index == 2*d.queuePairs:
		d.ctrlq = q
	case index%2 == 0:
		d.rxq[index/2] = q
	default:
		d.txq[index/2] = q
	}

	return nil
}

// GetVQ implements device.Personality (§6 get_vq), using the same
// even-RX/odd-TX/final-control index convention as InitVQ.
func (d *Device) GetVQ(index int) (*virtqueue.VirtQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case index == 2*d.queuePairs:
		if d.ctrlq == nil {
			return nil, fmt.Errorf("net: control queue not yet constructed")
		}

		return d.ctrlq, nil
	case index < 0 || index > 2*d.queuePairs:
		return nil, fmt.Errorf("net: queue index %d out of range", index)
	case index%2 == 0:
		if d.rxq[index/2] == nil {
			return nil, fmt.Errorf("net: rx queue %d not yet constructed", index/2)
		}

		return d.rxq[index/2], nil
	default:
		if d.txq[index/2] == nil {
			return nil, fmt.Errorf("net: tx queue %d not yet constructed", index/2)
		}

		return d.txq[index/2], nil
	}
}

// ExitVQ implements device.Personality (§6 exit_vq). net.c's exit_vq
// resets the vhost vring and cancels that queue's own worker thread;
// here every worker is supervised together through Stop's errgroup
// rather than individually, so exit_vq's role is narrowed to releasing
// the personality's queue reference -- matching net.c's pthread_cancel
// step would require splitting Start/Stop's shared cancellation scope
// into one per queue.
func (d *Device) ExitVQ(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case index == 2*d.queuePairs:
		d.ctrlq = nil
	case index >= 0 && index < 2*d.queuePairs && index%2 == 0:
		d.rxq[index/2] = nil
	case index >= 0 && index < 2*d.queuePairs:
		d.txq[index/2] = nil
	default:
		return fmt.Errorf("net: queue index %d out of range", index)
	}

	return nil
}

// GetSizeVQ implements device.Personality (§6 get_size_vq): every
// queue shares the fixed QueueSize, matching net.c's own
// "FIXME: dynamic" get_size_vq.
func (d *Device) GetSizeVQ(index int) (uint16, error) {
	if index < 0 || index >= d.queueCount() {
		return 0, fmt.Errorf("net: queue index %d out of range", index)
	}

	return QueueSize, nil
}

// SetSizeVQ implements device.Personality (§6 set_size_vq): accepted
// without resizing anything, matching net.c's own "FIXME: dynamic"
// set_size_vq.
func (d *Device) SetSizeVQ(index int, size uint16) error {
	if index < 0 || index >= d.queueCount() {
		return fmt.Errorf("net: queue index %d out of range", index)
	}

	return nil
}

// NotifyStatus implements device.Personality (§6 notify_status).
// net.c's notify_status toggles TUNSETVNETLE/BE on the synthetic
// CONFIG bit and starts/stops worker threads on START/STOP; this
// engine already calls Start/Stop directly off those same bits (§4.6),
// so only the logging is left for this hook to do.
func (d *Device) NotifyStatus(status uint8) {
	d.log.Debug().Uint8("status", status).Msg("status changed")
}

// NotifyVQGSI implements device.Personality (§6 notify_vq_gsi),
// mirroring net.c's `vhost_fd == 0 || is_ctrl_vq` guard: only a
// vhost-engaged data queue pair cares about GSI routing. Registering
// the actual irqfd with the kernel (virtio_vhost_set_vring_irqfd)
// needs a live vhost.Offload handle and a hypervisor-backed irqfd
// source that neither this personality nor the legacy IO-port
// transport hold -- the same limitation cmd/virtiomon's engageVhost
// already documents for the kick/call eventfds.
func (d *Device) NotifyVQGSI(index int, gsi uint32) error {
	if index == 2*d.queuePairs || !d.vhostEngaged(index/2) {
		return nil
	}

	d.log.Debug().Int("queue", index).Uint32("gsi", gsi).
		Msg("vhost irqfd routing requested, no hypervisor-backed transport to wire it to")

	return nil
}

// NotifyVQEventFD implements device.Personality (§6
// notify_vq_eventfd), the kick-eventfd counterpart to NotifyVQGSI,
// same limitation.
func (d *Device) NotifyVQEventFD(index int, fd int) error {
	if index == 2*d.queuePairs || !d.vhostEngaged(index/2) {
		return nil
	}

	d.log.Debug().Int("queue", index).Int("fd", fd).
		Msg("vhost kick eventfd requested, no hypervisor-backed transport to wire it to")

	return nil
}

// NotifyVQ implements the doorbell hook. A pair engaged with
// EngageVhost has no userspace worker reading its kick channel -- the
// kernel fields the real doorbell via the kick eventfd handed to
// /dev/vhost-net -- so the notification is dropped here instead of
// piling up against a reader that will never come.
func (d *Device) NotifyVQ(index int) {
	if index != 2*d.queuePairs && d.vhostEngaged(index/2) {
		return
	}

	var ch chan struct{}

	switch {
	case index == 2*d.queuePairs:
		ch = d.ctrlKick
	case index%2 == 0:
		ch = d.rxKick[index/2]
	default:
		ch = d.txKick[index/2]
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start launches one worker per active virtqueue, matching net.c's
// one-pthread-per-queue model, supervised by an errgroup so any
// worker's error surfaces to the caller instead of being silently
// dropped.
func (d *Device) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.cancel = cancel
	d.group = g

	for i := 0; i < d.queuePairs; i++ {
		i := i

		if d.vhostPairs[i] {
			d.log.Info().Int("pair", i).Msg("pair engaged with vhost-net, skipping userspace workers")

			continue
		}

		g.Go(func() error { return d.rxLoop(ctx, i) })
		g.Go(func() error { return d.txLoop(ctx, i) })
	}

	g.Go(func() error { return d.ctrlLoop(ctx) })
	d.mu.Unlock()

	return nil
}

// Stop cancels every worker and waits for them to exit.
func (d *Device) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	g := d.group
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return d.backend.Close()
}

func (d *Device) headerLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mergeRxbuf {
		return netHdrLenMrg
	}

	return netHdrLenShort
}

// rxLoop implements virtio_net_rx_thread: one packet read from the
// backend, fanned out across one or more descriptor chains, with
// num_buffers accounting for merged RX (§4.8 scenario 4).
func (d *Device) rxLoop(ctx context.Context, pair int) error {
	vq := d.rxq[pair]
	buf := make([]byte, MaxPacketSize+netHdrLenMrg)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.rxKick[pair]:
		}

		for {
			avail, err := vq.Available()
			if err != nil || !avail {
				break
			}

			n, err := d.backend.Read(buf[d.headerLen():])
			if err != nil {
				d.log.Error().Err(err).Int("pair", pair).Msg("backend read failed")

				return fmt.Errorf("net: rx backend read: %w", err)
			}

			if err := d.deliverRx(vq, buf[:d.headerLen()+n]); err != nil {
				d.log.Error().Err(err).Int("pair", pair).Msg("rx delivery failed")

				continue
			}

			if vq.ShouldSignal() {
				d.irq.InjectInterrupt(2 * pair)
			}
		}
	}
}

// deliverRx copies packet across as many chains as needed, writing
// num_buffers into the first chain's header and batching the used-idx
// advance in one call (§4.8).
func (d *Device) deliverRx(vq *virtqueue.VirtQueue, packet []byte) error {
	var (
		firstHdr    []byte
		numBuffers  uint16
		copied      int
		totalStaged uint16
	)

	for copied < len(packet) {
		avail, err := vq.Available()
		if err != nil {
			return err
		}

		if !avail {
			return fmt.Errorf("net: ran out of rx descriptors mid-packet")
		}

		head, chain, sgs, err := vq.PopHeadAndIOV()
		if err != nil {
			return err
		}

		n := copySegments(chain.In, packet[copied:])
		vq.SetUsed(head, uint32(n), sgs)

		if numBuffers == 0 {
			firstHdr = chain.In[0].Buf
		}

		copied += n
		numBuffers++
		totalStaged += sgs
	}

	if d.headerLen() == netHdrLenMrg && len(firstHdr) >= netHdrLenMrg {
		binary.LittleEndian.PutUint16(firstHdr[10:12], numBuffers)
	}

	vq.UsedIdxAdvance(totalStaged)

	return nil
}

func copySegments(segs []iovec.Segment, src []byte) int {
	n := 0

	for _, seg := range segs {
		if n >= len(src) {
			break
		}

		k := copy(seg.Buf, src[n:])
		n += k
	}

	return n
}

// txLoop implements virtio_net_tx_thread: drain every available chain,
// concatenate its out-segments into one frame (minus the leading
// virtio_net_hdr), and hand it to the backend.
func (d *Device) txLoop(ctx context.Context, pair int) error {
	vq := d.txq[pair]

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.txKick[pair]:
		}

		for {
			avail, err := vq.Available()
			if err != nil || !avail {
				break
			}

			head, chain, sgs, err := vq.PopHeadAndIOV()
			if err != nil {
				d.log.Error().Err(err).Int("pair", pair).Msg("malformed tx chain")

				continue
			}

			frame := concatSegments(chain.Out)
			hdrLen := d.headerLen()

			if len(frame) > hdrLen {
				payload := frame[hdrLen:]

				if limiter := d.rateLimiter(); limiter != nil {
					if err := limiter.WaitN(ctx, len(payload)); err != nil {
						d.log.Warn().Err(err).Int("pair", pair).Msg("tx rate limiter wait aborted")
					}
				}

				if _, err := d.backend.Write(payload); err != nil {
					d.log.Error().Err(err).Int("pair", pair).Msg("backend write failed")
				}
			}

			vq.SetUsed(head, uint32(len(frame)), sgs)
			vq.UsedIdxAdvance(sgs)
		}

		if vq.ShouldSignal() {
			d.irq.InjectInterrupt(2*pair + 1)
		}
	}
}

func concatSegments(segs []iovec.Segment) []byte {
	total := 0
	for _, s := range segs {
		total += len(s.Buf)
	}

	out := make([]byte, 0, total)
	for _, s := range segs {
		out = append(out, s.Buf...)
	}

	return out
}

// ctrlLoop implements virtio_net_ctrl_thread: only the MQ class is
// acknowledged, everything else is answered with VIRTIO_NET_ERR.
func (d *Device) ctrlLoop(ctx context.Context) error {
	if d.ctrlq == nil {
		<-ctx.Done()

		return nil
	}

	vq := d.ctrlq

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.ctrlKick:
		}

		for {
			avail, err := vq.Available()
			if err != nil || !avail {
				break
			}

			head, chain, sgs, err := vq.PopHeadAndIOV()
			if err != nil {
				continue
			}

			class := byte(ctrlErr)
			if len(chain.Out) > 0 && len(chain.Out[0].Buf) > 0 && chain.Out[0].Buf[0] == ctrlClassMQ {
				class = ctrlAck
			}

			if len(chain.In) > 0 && len(chain.In[0].Buf) > 0 {
				chain.In[0].Buf[0] = class
			}

			vq.SetUsed(head, 1, sgs)
			vq.UsedIdxAdvance(sgs)
		}

		if vq.ShouldSignal() {
			d.irq.InjectInterrupt(2 * d.queuePairs)
		}
	}
}
