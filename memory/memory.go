// Package memory provides the flat, mmap-backed guest RAM slice that
// implements the descriptor translator's memory-translator boundary
// (iovec.Translator). It is adapted from the teacher's MemorySlot
// allocation (syscall.Mmap + poison-fill) but drops the teacher's
// per-slot KVM_SET_USER_MEMORY_REGION bookkeeping -- registering RAM
// with a real hypervisor is the out-of-scope transport/bus
// collaborator's job, not the virtqueue engine's -- and trades the
// teacher's raw unsafe.Pointer casts in virtio/blk.go and virtio/net.go
// for a bounds-checked Translate call, since the descriptor translator
// must be able to report an out-of-bounds access instead of panicking
// the device thread (spec §7 tier 3).
package memory

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrOutOfBounds is returned when a guest-physical address/length pair
// falls outside the mapped RAM region.
var ErrOutOfBounds = errors.New("memory: guest address out of bounds")

// Poison fills memory above the high-memory base so that a guest that
// jumps into the weeds traps immediately instead of interpreting
// zero bytes as valid instructions.
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

const highMemBase = 0x100000

// GuestRAM is a single flat mapping of guest-physical address space
// onto host virtual memory, indexed directly by guest-physical
// address (i.e. the mapping always starts at guest-physical 0).
type GuestRAM struct {
	buf []byte
}

// New mmaps size bytes of anonymous memory and poisons everything
// above the high-memory base, matching the teacher's machine.New /
// memory.New behavior.
func New(size int) (*GuestRAM, error) {
	buf, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap: %w", err)
	}

	for i := highMemBase; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &GuestRAM{buf: buf}, nil
}

// NewFromBytes wraps an existing byte slice as guest RAM, used by
// tests that don't want to mmap a real mapping.
func NewFromBytes(b []byte) *GuestRAM {
	return &GuestRAM{buf: b}
}

// Translate resolves a guest-physical address/length into a host
// slice aliasing the underlying mapping. It satisfies
// iovec.Translator structurally.
func (m *GuestRAM) Translate(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	end := addr + uint64(length)
	if end < addr || end > uint64(len(m.buf)) {
		return nil, fmt.Errorf("%w: addr=%#x len=%d size=%d", ErrOutOfBounds, addr, length, len(m.buf))
	}

	return m.buf[addr:end], nil
}

// Bytes exposes the whole mapping, used by transport adapters that
// need to place a legacy vring at a page-aligned pfn.
func (m *GuestRAM) Bytes() []byte {
	return m.buf
}

// Len reports the size of the mapping.
func (m *GuestRAM) Len() int {
	return len(m.buf)
}
