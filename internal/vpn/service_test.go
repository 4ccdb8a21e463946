// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vpn

import (
	"context"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/metrics"
	"grimm.is/tunwall/internal/packet"
	"grimm.is/tunwall/internal/rules"
	"grimm.is/tunwall/internal/tun"
)

var device = netip.MustParseAddrPort("10.0.0.2:40000")

type harness struct {
	t      *testing.T
	dev    *tun.Memory
	svc    *Service
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	dev := tun.NewMemory("mem0", 1500, 64)
	opts.Device = dev
	svc, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, dev: dev, svc: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- svc.Run(ctx) }()
	t.Cleanup(func() { h.stop() })
	require.Eventually(t, func() bool { return svc.Status().Running }, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) stop() error {
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("service did not stop")
		return nil
	}
}

func (h *harness) inject(b []byte) {
	h.t.Helper()
	require.NoError(h.t, h.dev.Inject(b))
}

func (h *harness) next() *packet.Packet {
	h.t.Helper()
	select {
	case b := <-h.dev.Written():
		p, err := packet.Decode(b)
		require.NoError(h.t, err)
		return p
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout waiting for packet from the pipeline")
		return nil
	}
}

func tcpSegment(t *testing.T, dst netip.AddrPort, flags packet.Flags, seq, ack uint32, payload string) []byte {
	t.Helper()
	b, err := packet.BuildTCP(packet.TemplateFor(packet.TCP, device, dst), flags, seq, ack, []byte(payload))
	require.NoError(t, err)
	return b
}

func TestTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		n, _ := c.Read(buf)
		c.Write([]byte(strings.ToUpper(string(buf[:n]))))
	}()
	server := netip.MustParseAddrPort(ln.Addr().String())

	h := start(t, Options{})
	h.inject(tcpSegment(t, server, packet.FlagSYN, 100, 0, ""))
	synack := h.next()
	require.Equal(t, packet.FlagSYN|packet.FlagACK, packet.FlagsOf(&synack.TCP))
	assert.Equal(t, server, synack.Src())
	s := synack.TCP.Seq + 1

	h.inject(tcpSegment(t, server, packet.FlagACK, 101, s, ""))
	h.inject(tcpSegment(t, server, packet.FlagPSH|packet.FlagACK, 101, s, "hello"))

	ack := h.next()
	assert.Equal(t, uint32(106), ack.TCP.Ack)
	data := h.next()
	assert.Equal(t, "HELLO", string(data.Payload))

	st := h.svc.Status()
	assert.Equal(t, 1, st.TCPFlows)
	assert.Equal(t, uint64(3), st.PacketsRead)

	require.NoError(t, h.stop())
	st = h.svc.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.TCPFlows)
	assert.Equal(t, uint64(1), st.TCP.Closed)
	assert.Equal(t, 0, st.BuffersLive)
}

func TestUDPAnsweredFromRules(t *testing.T) {
	g := rules.NewGrid()
	g.AddDNS(`^local\.test\.?$`, rules.DNSAnswers{A: []string{"192.0.2.7"}})
	snap, err := rules.Compile(g, "test")
	require.NoError(t, err)
	table := rules.NewTable(nil)
	table.Store(snap)

	cfg := config.DefaultConfig()
	opts, err := OptionsFromConfig(cfg, table)
	require.NoError(t, err)
	m := metrics.New()
	opts.Metrics = m

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	resolver := netip.MustParseAddrPort(pc.LocalAddr().String())

	h := start(t, opts)
	query := []byte{
		0xab, 0xcd, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		5, 'l', 'o', 'c', 'a', 'l', 4, 't', 'e', 's', 't', 0,
		0x00, 0x01, 0x00, 0x01,
	}
	b, err := packet.BuildUDP(packet.TemplateFor(packet.UDP, device, resolver), query)
	require.NoError(t, err)
	h.inject(b)

	reply := h.next()
	assert.Equal(t, resolver, reply.Src())
	require.Greater(t, len(reply.Payload), len(query))
	assert.Equal(t, []byte{0xab, 0xcd}, reply.Payload[:2])
	assert.Equal(t, []byte{192, 0, 2, 7}, reply.Payload[len(reply.Payload)-4:])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("dns", "drop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsRead))
	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.PacketsWritten) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUndecodablePacketsAreCounted(t *testing.T) {
	h := start(t, Options{})
	h.inject([]byte{0x60, 0, 0, 0})
	icmp := tcpSegment(t, netip.MustParseAddrPort("192.0.2.1:80"), packet.FlagSYN, 1, 0, "")
	icmp[9] = 1
	h.inject(icmp)

	assert.Eventually(t, func() bool { return h.svc.Status().DecodeErrors == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.svc.Status().TCPFlows)
}

func TestUnknownFlowResetThroughPipeline(t *testing.T) {
	h := start(t, Options{})
	h.inject(tcpSegment(t, netip.MustParseAddrPort("192.0.2.1:80"), packet.FlagACK, 5, 9, "x"))
	rst := h.next()
	assert.True(t, packet.FlagsOf(&rst.TCP).Has(packet.FlagRST))
	assert.Equal(t, uint32(9), rst.TCP.Seq)
}

type failingDevice struct{ *tun.Memory }

func (failingDevice) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestDeviceFailureStopsRun(t *testing.T) {
	svc, err := New(Options{Device: failingDevice{tun.NewMemory("bad0", 1500, 1)}})
	require.NoError(t, err)

	err = svc.Run(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindIO))
	assert.False(t, svc.Status().Running)

	assert.True(t, errors.IsKind(svc.Run(context.Background()), errors.KindConflict))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = New(Options{Device: tun.NewMemory("m", 9000, 1), ArenaBufferSize: 1500})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Flows.ConnectWait = "25ms"
	cfg.Flows.UDPCapacity = 10

	opts, err := OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, opts.TCP.ConnectWait)
	assert.Equal(t, 10*time.Second, opts.TCP.ConnectTimeout)
	assert.Equal(t, 50, opts.TCP.Flow.Capacity)
	assert.Equal(t, 10, opts.UDP.Flow.Capacity)
	assert.Equal(t, 5*time.Minute, opts.UDP.Flow.IdleTimeout)
	assert.Equal(t, uint32(10), opts.TCP.Firewall.DNSTTL)
	assert.Equal(t, 1024, opts.QueueDepth)

	cfg.Flows.IdleTimeout = "later"
	_, err = OptionsFromConfig(cfg, nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	tc := TunConfig(cfg)
	assert.Equal(t, "tun0", tc.Name)
	assert.Equal(t, 1500, tc.MTU)
}

func TestRunStopsWithFullOutputQueue(t *testing.T) {
	dev := tun.NewMemory("mem0", 1500, 8)
	svc, err := New(Options{Device: dev, QueueDepth: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool { return svc.Status().Running }, time.Second, 5*time.Millisecond)

	// Every segment draws a reset; nothing reads the device, so the
	// writer stalls and the TCP worker blocks on the output queue.
	var segs [][]byte
	for i := 0; i < 16; i++ {
		dst := netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), uint16(1000+i))
		segs = append(segs, tcpSegment(t, dst, packet.FlagACK, 5, 9, "x"))
	}
	go func() {
		for _, b := range segs {
			if dev.Inject(b) != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return len(dev.Written()) == 8 && svc.Status().QueuedOut == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.False(t, svc.Status().Running)
	assert.Equal(t, 0, svc.Status().QueuedOut)
}
