// Package vhost implements the optional kernel-offload collaborator
// named in §4.8: when engaged, ring servicing moves from userspace
// goroutines into /dev/vhost-net, and the device only forwards ring
// geometry and eventfds to the kernel instead of running RX/TX
// workers itself. Grounded on original_source/virtio/net.c's
// virtio_vhost_set_vring/_kick/_irqfd/VHOST_NET_SET_BACKEND/
// VHOST_RESET_OWNER sequence, adapted onto the teacher's
// ioctl-via-unsafe.Pointer idiom from kvm/kvm.go and kvm/irq.go, using
// golang.org/x/sys/unix's own Ioctl helpers where one exists instead
// of hand-rolling raw Syscall calls for every request code.
package vhost

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes from linux/vhost.h, not exported by
// golang.org/x/sys/unix.
const (
	vhostGetFeatures   = 0x8008af00
	vhostSetFeatures   = 0x4008af00
	vhostSetOwner      = 0x0000af01
	vhostResetOwner    = 0x0000af02
	vhostSetVringNum   = 0x4008af10
	vhostSetVringAddr  = 0x4028af11
	vhostSetVringBase  = 0x4008af12
	vhostSetVringKick  = 0x4008af20
	vhostSetVringCall  = 0x4008af21
	vhostNetSetBackend = 0x4008af30
)

// vringAddr mirrors struct vhost_vring_addr.
type vringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// vringState mirrors struct vhost_vring_state.
type vringState struct {
	Index uint32
	Num   uint32
}

// vringFile mirrors struct vhost_vring_file.
type vringFile struct {
	Index uint32
	FD    int32
}

// Offload binds one virtqueue's geometry to the kernel's vhost-net
// backend. net.Device does not hold one: cmd/virtiomon opens it and
// marks the pairs it takes over with net.Device.EngageVhost, which
// stops Start from spawning their RX/TX goroutines -- the control
// queue is always host-serviced (net.c's is_ctrl_vq short-circuit).
type Offload struct {
	f *os.File
}

// Open opens /dev/vhost-net and claims ownership (VHOST_SET_OWNER),
// matching virtio_vhost_init.
func Open() (*Offload, error) {
	f, err := os.OpenFile("/dev/vhost-net", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost: open /dev/vhost-net: %w", err)
	}

	if err := ioctlNoArg(f.Fd(), vhostSetOwner); err != nil {
		f.Close()

		return nil, fmt.Errorf("vhost: VHOST_SET_OWNER: %w", err)
	}

	return &Offload{f: f}, nil
}

// NegotiatedFeatures intersects want with what the kernel backend
// actually supports, matching net.c's VHOST_GET_FEATURES &&
// VHOST_SET_FEATURES pair.
func (o *Offload) NegotiatedFeatures(want uint64) (uint64, error) {
	var kernelFeatures uint64

	if err := ioctlPtr(o.f.Fd(), vhostGetFeatures, unsafe.Pointer(&kernelFeatures)); err != nil {
		return 0, fmt.Errorf("vhost: VHOST_GET_FEATURES: %w", err)
	}

	negotiated := want & kernelFeatures

	if err := ioctlPtr(o.f.Fd(), vhostSetFeatures, unsafe.Pointer(&negotiated)); err != nil {
		return 0, fmt.Errorf("vhost: VHOST_SET_FEATURES: %w", err)
	}

	return negotiated, nil
}

// SetVring configures one queue's geometry and size in the kernel
// backend, the Go side of virtio_vhost_set_vring.
func (o *Offload) SetVring(index uint32, num uint32, desc, avail, used uint64) error {
	size := vringState{Index: index, Num: num}
	if err := ioctlPtr(o.f.Fd(), vhostSetVringNum, unsafe.Pointer(&size)); err != nil {
		return fmt.Errorf("vhost: VHOST_SET_VRING_NUM: %w", err)
	}

	base := vringState{Index: index, Num: 0}
	if err := ioctlPtr(o.f.Fd(), vhostSetVringBase, unsafe.Pointer(&base)); err != nil {
		return fmt.Errorf("vhost: VHOST_SET_VRING_BASE: %w", err)
	}

	addr := vringAddr{Index: index, DescUserAddr: desc, AvailUserAddr: avail, UsedUserAddr: used}
	if err := ioctlPtr(o.f.Fd(), vhostSetVringAddr, unsafe.Pointer(&addr)); err != nil {
		return fmt.Errorf("vhost: VHOST_SET_VRING_ADDR: %w", err)
	}

	return nil
}

// SetKickEventFD wires the doorbell eventfd the guest kicks directly
// into the kernel, per virtio_vhost_set_vring_kick -- once set, guest
// notifications never cross back into this process for that queue.
func (o *Offload) SetKickEventFD(index uint32, efd int) error {
	file := vringFile{Index: index, FD: int32(efd)}

	return ioctlPtr(o.f.Fd(), vhostSetVringKick, unsafe.Pointer(&file))
}

// SetCallEventFD wires the completion-interrupt eventfd, per
// virtio_vhost_set_vring_irqfd.
func (o *Offload) SetCallEventFD(index uint32, efd int) error {
	file := vringFile{Index: index, FD: int32(efd)}

	return ioctlPtr(o.f.Fd(), vhostSetVringCall, unsafe.Pointer(&file))
}

// SetBackend attaches the TAP file descriptor as this queue's packet
// source/sink, per VHOST_NET_SET_BACKEND. tapFD<0 detaches (net.c's
// exit_vq path).
func (o *Offload) SetBackend(index uint32, tapFD int) error {
	file := vringFile{Index: index, FD: int32(tapFD)}

	return ioctlPtr(o.f.Fd(), vhostNetSetBackend, unsafe.Pointer(&file))
}

// ResetOwner implements the exit_vq comment's acknowledged TODO in the
// original: vhost offers no clean per-queue stop, so tearing one queue
// down resets the whole backend's ownership.
func (o *Offload) ResetOwner() error {
	return ioctlNoArg(o.f.Fd(), vhostResetOwner)
}

// Close issues VHOST_RESET_OWNER, then closes the descriptor.
func (o *Offload) Close() error {
	resetErr := ioctlNoArg(o.f.Fd(), vhostResetOwner)
	closeErr := o.f.Close()

	if resetErr != nil {
		return fmt.Errorf("vhost: VHOST_RESET_OWNER: %w", resetErr)
	}

	return closeErr
}

func ioctlPtr(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func ioctlNoArg(fd uintptr, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return errno
	}

	return nil
}
