// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet decodes raw IPv4 datagrams read from the TUN device and builds
// the TCP/UDP replies written back to it.
package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/tunwall/internal/errors"
)

const (
	// IPv4HeaderSize and the transport header sizes are the fixed header
	// lengths of replies we build (no options).
	IPv4HeaderSize = 20
	TCPHeaderSize  = 20
	UDPHeaderSize  = 8
)

var (
	ErrUnsupported = errors.New(errors.KindProtocol, "unsupported packet")
	ErrTruncated   = errors.New(errors.KindProtocol, "truncated packet")
)

// Transport identifies the transport protocol of a flow.
type Transport uint8

const (
	TCP Transport = Transport(layers.IPProtocolTCP)
	UDP Transport = Transport(layers.IPProtocolUDP)
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(t))
	}
}

// Packet is a decoded IPv4 TCP or UDP datagram. Slices (addresses, Payload)
// point into the buffer it was decoded from.
type Packet struct {
	IP        layers.IPv4
	TCP       layers.TCP
	UDP       layers.UDP
	Transport Transport
	Payload   []byte
}

// Decoder decodes packets with preallocated layers. A Decoder is not safe for
// concurrent use; give each reading goroutine its own.
type Decoder struct {
	ip      layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder creates a Decoder for raw IPv4 datagrams.
func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip, &d.tcp, &d.udp)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses b. Only IPv4 carrying TCP or UDP is accepted.
func (d *Decoder) Decode(b []byte) (*Packet, error) {
	if len(b) < IPv4HeaderSize {
		return nil, ErrTruncated
	}
	if b[0]>>4 != 4 {
		return nil, errors.Wrapf(ErrUnsupported, errors.KindProtocol, "ip version %d", b[0]>>4)
	}
	if err := d.parser.DecodeLayers(b, &d.decoded); err != nil {
		return nil, errors.Wrap(err, errors.KindProtocol, "decode")
	}

	p := &Packet{}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			p.IP = d.ip
		case layers.LayerTypeTCP:
			p.TCP = d.tcp
			p.Transport = TCP
			p.Payload = d.tcp.Payload
		case layers.LayerTypeUDP:
			p.UDP = d.udp
			p.Transport = UDP
			p.Payload = d.udp.Payload
		}
	}
	if p.Transport == 0 {
		return nil, errors.Wrapf(ErrUnsupported, errors.KindProtocol, "transport %s", d.ip.Protocol)
	}
	return p, nil
}

// Peek reports the transport of a raw IPv4 datagram without decoding it.
func Peek(b []byte) (Transport, error) {
	if len(b) < IPv4HeaderSize {
		return 0, ErrTruncated
	}
	if b[0]>>4 != 4 {
		return 0, errors.Wrapf(ErrUnsupported, errors.KindProtocol, "ip version %d", b[0]>>4)
	}
	switch t := Transport(b[9]); t {
	case TCP, UDP:
		return t, nil
	default:
		return 0, errors.Wrapf(ErrUnsupported, errors.KindProtocol, "transport %s", layers.IPProtocol(t))
	}
}

// Decode is a convenience wrapper using a throwaway Decoder.
func Decode(b []byte) (*Packet, error) {
	return NewDecoder().Decode(b)
}

// SrcPort returns the transport source port.
func (p *Packet) SrcPort() uint16 {
	if p.Transport == TCP {
		return uint16(p.TCP.SrcPort)
	}
	return uint16(p.UDP.SrcPort)
}

// DstPort returns the transport destination port.
func (p *Packet) DstPort() uint16 {
	if p.Transport == TCP {
		return uint16(p.TCP.DstPort)
	}
	return uint16(p.UDP.DstPort)
}

// Src is the source address and port.
func (p *Packet) Src() netip.AddrPort {
	return netip.AddrPortFrom(addr4(p.IP.SrcIP), p.SrcPort())
}

// Dst is the destination address and port.
func (p *Packet) Dst() netip.AddrPort {
	return netip.AddrPortFrom(addr4(p.IP.DstIP), p.DstPort())
}

// Key returns the flow identity of the packet.
func (p *Packet) Key() FlowKey {
	return FlowKey{Transport: p.Transport, Src: p.Src(), Dst: p.Dst()}
}

// SwapEndpoints exchanges source and destination addresses and ports in place.
func (p *Packet) SwapEndpoints() {
	p.IP.SrcIP, p.IP.DstIP = p.IP.DstIP, p.IP.SrcIP
	switch p.Transport {
	case TCP:
		p.TCP.SrcPort, p.TCP.DstPort = p.TCP.DstPort, p.TCP.SrcPort
	case UDP:
		p.UDP.SrcPort, p.UDP.DstPort = p.UDP.DstPort, p.UDP.SrcPort
	}
}

// String is a short human description used in logs.
func (p *Packet) String() string {
	if p.Transport == TCP {
		return fmt.Sprintf("%s %s seq=%d ack=%d len=%d", p.Key(), FlagsOf(&p.TCP), p.TCP.Seq, p.TCP.Ack, len(p.Payload))
	}
	return fmt.Sprintf("%s len=%d", p.Key(), len(p.Payload))
}

func addr4(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil {
		return netip.AddrFrom4([4]byte(v4))
	}
	a, _ := netip.AddrFromSlice(ip)
	return a
}
