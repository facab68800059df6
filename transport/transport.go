// Package transport implements the external collaborator spec §1
// calls out of scope for the engine itself -- "PCI/MMIO bus plumbing
// that maps configuration registers to the device's fields" -- as a
// minimal legacy virtio-over-PCI-IO-port reference binding, so the
// engine and personalities have a real caller to exercise them end to
// end. Grounded on the teacher's pci/pci.go (address bit-field
// accessors, config address/data ports) and pci/bridge.go (the
// Device interface bridge.go dispatches to), generalized to the
// BytesToNum/DeviceHeader types those files reference but the pack
// does not itself define.
package transport

import "encoding/binary"

// DeviceHeader is the PCI configuration-space header fields a virtio
// legacy device publishes, named by usage in the teacher's
// blk.go/net.go GetDeviceHeader() but never itself defined in the
// retrieved pci package -- reconstructed here from those call sites
// plus the standard PCI type-0 header layout.
type DeviceHeader struct {
	DeviceID      uint16
	VendorID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	Command       uint16
	BAR           [6]uint32
	InterruptPin  uint8
	InterruptLine uint8
}

// Device is the per-device PCI I/O port binding the bridge multiplexes
// onto, matching the shape of the teacher's virtio.Blk/virtio.Net
// (GetDeviceHeader/IOInHandler/IOOutHandler/GetIORange).
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// BytesToNum decodes a little-endian byte slice of length 1, 2, 4 or 8
// into a uint64, matching the teacher's pci.BytesToNum usage in
// blk.go's pfn/sel handlers.
func BytesToNum(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	default:
		var v uint64
		for i, b := range data {
			v |= uint64(b) << (8 * i)
		}

		return v
	}
}

// PutNum encodes v into data's length (1, 2, 4 or 8 bytes),
// little-endian, the inverse of BytesToNum.
func PutNum(data []byte, v uint64) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(data, v)
	default:
		for i := range data {
			data[i] = byte(v >> (8 * i))
		}
	}
}
