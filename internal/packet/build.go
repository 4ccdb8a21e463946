// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/tunwall/internal/errors"
)

// Flags is a TCP control bit set.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	var parts []string
	for _, b := range []struct {
		f    Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagPSH, "PSH"}, {FlagACK, "ACK"}} {
		if f.Has(b.f) {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "[]"
	}
	return "[" + strings.Join(parts, "|") + "]"
}

// FlagsOf extracts the control bits of a decoded TCP header.
func FlagsOf(t *layers.TCP) Flags {
	var f Flags
	if t.FIN {
		f |= FlagFIN
	}
	if t.SYN {
		f |= FlagSYN
	}
	if t.RST {
		f |= FlagRST
	}
	if t.PSH {
		f |= FlagPSH
	}
	if t.ACK {
		f |= FlagACK
	}
	return f
}

// Template holds the addressing of replies for one flow: Src is the remote
// end, Dst is the device. It owns its address memory so it outlives the
// buffer of the packet it was taken from.
type Template struct {
	Transport Transport
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	id        atomic.Uint32
}

// NewTemplate captures p with endpoints swapped.
func NewTemplate(p *Packet) *Template {
	return &Template{
		Transport: p.Transport,
		SrcIP:     append(net.IP(nil), p.IP.DstIP.To4()...),
		DstIP:     append(net.IP(nil), p.IP.SrcIP.To4()...),
		SrcPort:   p.DstPort(),
		DstPort:   p.SrcPort(),
	}
}

func (t *Template) ip(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       uint16(t.id.Add(1)),
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    t.SrcIP,
		DstIP:    t.DstIP,
	}
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// BuildTCP serializes a TCP segment from the remote end to the device.
func BuildTCP(t *Template, flags Flags, seq, ack uint32, payload []byte) ([]byte, error) {
	ip := t.ip(layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(t.SrcPort),
		DstPort: layers.TCPPort(t.DstPort),
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
		FIN:     flags.Has(FlagFIN),
		SYN:     flags.Has(FlagSYN),
		RST:     flags.Has(FlagRST),
		PSH:     flags.Has(FlagPSH),
		ACK:     flags.Has(FlagACK),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "tcp checksum layer")
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "serialize tcp")
	}
	return buf.Bytes(), nil
}

// BuildUDP serializes a UDP datagram from the remote end to the device.
func BuildUDP(t *Template, payload []byte) ([]byte, error) {
	ip := t.ip(layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(t.SrcPort),
		DstPort: layers.UDPPort(t.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "udp checksum layer")
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "serialize udp")
	}
	return buf.Bytes(), nil
}

// MaxTCPPayload is the largest segment payload that fits in mtu.
func MaxTCPPayload(mtu int) int { return mtu - IPv4HeaderSize - TCPHeaderSize }

// MaxUDPPayload is the largest datagram payload that fits in mtu.
func MaxUDPPayload(mtu int) int { return mtu - IPv4HeaderSize - UDPHeaderSize }

// TemplateFor builds a template for traffic from src to dst.
func TemplateFor(transport Transport, src, dst netip.AddrPort) *Template {
	s := src.Addr().As4()
	d := dst.Addr().As4()
	return &Template{
		Transport: transport,
		SrcIP:     net.IP(s[:]),
		DstIP:     net.IP(d[:]),
		SrcPort:   src.Port(),
		DstPort:   dst.Port(),
	}
}
