// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package udpflow

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/firewall"
	"grimm.is/tunwall/internal/packet"
	"grimm.is/tunwall/internal/rules"
)

var device = netip.MustParseAddrPort("10.0.0.2:53000")

type capture struct{ ch chan []byte }

func newCapture() *capture { return &capture{ch: make(chan []byte, 64)} }

func (c *capture) PushBytes(ctx context.Context, b []byte) error {
	select {
	case c.ch <- append([]byte(nil), b...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *capture) next(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case b := <-c.ch:
		p, err := packet.Decode(b)
		require.NoError(t, err)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for datagram to device")
		return nil
	}
}

type pipeDialer struct {
	fail    error
	remotes chan net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	local, far := net.Pipe()
	d.remotes <- far
	return local, nil
}

func datagram(t *testing.T, dst netip.AddrPort, payload []byte) *packet.Packet {
	t.Helper()
	b, err := packet.BuildUDP(packet.TemplateFor(packet.UDP, device, dst), payload)
	require.NoError(t, err)
	p, err := packet.Decode(b)
	require.NoError(t, err)
	return p
}

// echoServer answers every datagram with "re:" + payload.
func echoServer(t *testing.T) (netip.AddrPort, <-chan string) {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	seen := make(chan string, 16)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			seen <- string(buf[:n])
			_, _ = pc.WriteTo(append([]byte("re:"), buf[:n]...), addr)
		}
	}()
	return netip.MustParseAddrPort(pc.LocalAddr().String()), seen
}

func dnsQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0x1234
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func dnsRules(t *testing.T) *rules.Table {
	t.Helper()
	g := rules.NewGrid()
	g.AddDNS(`(^|\.)blocked\.test\.?$`, rules.DNSAnswers{A: []string{"10.9.9.9"}})
	snap, err := rules.Compile(g, "test")
	require.NoError(t, err)
	table := rules.NewTable(nil)
	table.Store(snap)
	return table
}

func TestRelayThroughSocket(t *testing.T) {
	server, seen := echoServer(t)
	out := newCapture()
	e := New(Config{}, nil, out, nil)
	defer e.Close()

	e.Handle(datagram(t, server, []byte("ping")))
	assert.Equal(t, "ping", <-seen)

	reply := out.next(t)
	assert.Equal(t, "re:ping", string(reply.Payload))
	assert.Equal(t, server, reply.Src())
	assert.Equal(t, device, reply.Dst())

	// the second datagram reuses the flow
	e.Handle(datagram(t, server, []byte("again")))
	assert.Equal(t, "again", <-seen)
	assert.Equal(t, "re:again", string(out.next(t).Payload))

	assert.Equal(t, 1, e.Len())
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Opened)
	assert.Equal(t, uint64(9), stats.BytesToRemote)
	assert.Equal(t, uint64(15), stats.BytesToDevice)

	u, ok := e.Lookup(reply.Key())
	require.False(t, ok, "reply key is the reverse direction")
	u, ok = e.Lookup(datagram(t, server, nil).Key())
	require.True(t, ok)
	assert.Equal(t, firewall.ProtocolOther, u.Protocol())
}

func TestDNSAnsweredLocally(t *testing.T) {
	server, seen := echoServer(t)
	out := newCapture()
	e := New(Config{Firewall: firewall.Options{Rules: dnsRules(t)}}, nil, out, nil)
	defer e.Close()

	e.Handle(datagram(t, server, dnsQuery(t, "www.blocked.test", dns.TypeA)))

	reply := out.next(t)
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(reply.Payload))
	assert.Equal(t, uint16(0x1234), m.Id)
	assert.True(t, m.Response)
	require.Len(t, m.Answer, 1)
	a, ok := m.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.9.9.9", a.A.String())
	assert.Equal(t, uint32(firewall.DefaultDNSTTL), a.Hdr.Ttl)

	select {
	case got := <-seen:
		t.Fatalf("query reached the server: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), e.Stats().Synthesized)

	// a query without a rule on the same flow is forwarded
	q := dnsQuery(t, "example.org", dns.TypeA)
	e.Handle(datagram(t, server, q))
	assert.Equal(t, string(q), <-seen)
}

func TestResponseSplitAtMTU(t *testing.T) {
	const mtu = 60
	server, _ := echoServer(t)
	out := newCapture()
	e := New(Config{MTU: mtu, Firewall: firewall.Options{Rules: dnsRules(t)}}, nil, out, nil)
	defer e.Close()

	e.Handle(datagram(t, server, dnsQuery(t, "blocked.test", dns.TypeA)))

	var joined []byte
	for {
		p := out.next(t)
		require.LessOrEqual(t, len(p.Payload), packet.MaxUDPPayload(mtu))
		joined = append(joined, p.Payload...)
		if len(p.Payload) < packet.MaxUDPPayload(mtu) {
			break
		}
	}
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(joined))
	assert.Len(t, m.Answer, 1)
}

func TestConnectFailureDropsDatagram(t *testing.T) {
	out := newCapture()
	d := &pipeDialer{fail: errors.New(errors.KindIO, "network unreachable")}
	e := New(Config{}, d, out, nil)
	defer e.Close()

	e.Handle(datagram(t, netip.MustParseAddrPort("192.0.2.1:9"), []byte("x")))
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Empty(t, out.ch)
}

func TestSocketErrorDestroysFlow(t *testing.T) {
	out := newCapture()
	d := &pipeDialer{remotes: make(chan net.Conn, 1)}
	e := New(Config{}, d, out, nil)
	defer e.Close()

	dst := netip.MustParseAddrPort("192.0.2.1:9")
	go e.Handle(datagram(t, dst, []byte("x")))
	far := <-d.remotes
	buf := make([]byte, 8)
	n, err := far.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))

	require.NoError(t, far.Close())
	assert.Eventually(t, func() bool { return e.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, uint64(1), e.Stats().Closed)
}

func TestCloseEvictsAll(t *testing.T) {
	server, seen := echoServer(t)
	out := newCapture()
	e := New(Config{}, nil, out, nil)

	for i := 0; i < 3; i++ {
		src := netip.AddrPortFrom(device.Addr(), uint16(54000+i))
		b, err := packet.BuildUDP(packet.TemplateFor(packet.UDP, src, server), []byte("hi"))
		require.NoError(t, err)
		p, err := packet.Decode(b)
		require.NoError(t, err)
		e.Handle(p)
		<-seen
	}
	assert.Equal(t, 3, e.Len())

	e.Close()
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, uint64(3), e.Stats().Closed)
	assert.Equal(t, uint64(0), e.Stats().Errors)
}

func TestStaleReaderKeepsReopenedFlow(t *testing.T) {
	server, _ := echoServer(t)
	out := newCapture()
	e := New(Config{}, nil, out, nil)
	defer e.Close()

	first := datagram(t, server, []byte("one"))
	e.Handle(first)
	old, ok := e.Lookup(first.Key())
	require.True(t, ok)

	// eviction closes the old socket; its reader wakes with an error
	require.True(t, e.table.Remove(first.Key()))
	e.Handle(datagram(t, server, []byte("two")))
	cur, ok := e.Lookup(first.Key())
	require.True(t, ok)
	require.NotSame(t, old, cur)

	e.fail(old, "remote read failed", net.ErrClosed)
	still, ok := e.Lookup(first.Key())
	require.True(t, ok)
	assert.Same(t, cur, still)
	assert.Equal(t, uint64(0), e.Stats().Errors)
	assert.Equal(t, uint64(2), e.Stats().Opened)
}
