package net

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// NetstackBackend is the embedded-TCP/IP collaborator named in §4.8:
// a userspace network stack attached directly to the device's virtio
// rings via a gvisor channel.Endpoint, with no TAP device or host
// routing required. Grounded on usbarmory-tamago's
// example/usb_ethernet.go configureNetworkStack, which wires the same
// channel.Endpoint into a stack.Stack with ipv4+arp+tcp+udp+icmp; this
// backend drops the USB transport layer that example used and exposes
// the endpoint directly as a net.Backend.
type NetstackBackend struct {
	stack *stack.Stack
	link  *channel.Endpoint
	nicID tcpip.NICID
}

// NewNetstack builds a NICID-1 stack with address addr/24 and the same
// protocol set the tamago example composes.
func NewNetstack(addr tcpip.Address, linkAddr tcpip.LinkAddress, mtu uint32) (*NetstackBackend, error) {
	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
		},
	})

	link := channel.New(256, mtu, linkAddr)

	const nicID = tcpip.NICID(1)

	if err := s.CreateNIC(nicID, link); err != nil {
		return nil, fmt.Errorf("net: create NIC: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: 24},
	}

	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("net: add address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{{
		Destination: header4Subnet(),
		NIC:         nicID,
	}})

	return &NetstackBackend{stack: s, link: link, nicID: nicID}, nil
}

// Stack exposes the underlying gvisor stack so callers can dial
// endpoints against it (gonet.DialTCP/DialUDP), mirroring the
// teacher's startEchoServer/startUDPListener pattern.
func (n *NetstackBackend) Stack() *stack.Stack { return n.stack }

// Write is the guest-to-stack direction: a TX frame from the virtio
// ring is injected into the NIC as an inbound packet.
func (n *NetstackBackend) Write(frame []byte) (int, error) {
	if len(frame) < 14 {
		return 0, fmt.Errorf("net: frame shorter than an ethernet header")
	}

	proto := tcpip.NetworkProtocolNumber(uint16(frame[12])<<8 | uint16(frame[13]))

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame[14:]),
	})
	n.link.InjectInbound(proto, pkt)

	return len(frame), nil
}

// Read is the stack-to-guest direction: it blocks for the next packet
// the stack wants to send and copies it into buf as the channel
// endpoint queued it. No Ethernet header is added here; the RX worker
// prefixes only the virtio_net_hdr.
func (n *NetstackBackend) Read(buf []byte) (int, error) {
	pkt := n.link.ReadContext(nil)
	if pkt == nil {
		return 0, fmt.Errorf("net: netstack link closed")
	}

	view := pkt.ToView()
	defer pkt.DecRef()

	n_ := copy(buf, view.AsSlice())

	return n_, nil
}

func (n *NetstackBackend) Close() error {
	n.link.Close()

	return nil
}

func header4Subnet() tcpip.Subnet {
	subnet, _ := tcpip.NewSubnet(tcpip.AddrFrom4([4]byte{}), tcpip.MaskFromBytes([]byte{0, 0, 0, 0}))

	return subnet
}
