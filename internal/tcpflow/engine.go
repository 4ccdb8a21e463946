// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tcpflow terminates TCP connections from the device in user space
// and relays them over real sockets. Sequence numbers toward the device are
// mirrored, not managed: both real stacks retransmit on their own.
package tcpflow

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tunwall/internal/firewall"
	"grimm.is/tunwall/internal/flow"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/packet"
)

// Dialer opens the outbound socket for a flow. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Output receives packets for the device. *buffer.Queue implements it.
type Output interface {
	PushBytes(ctx context.Context, b []byte) error
}

// Config for the TCP engine.
type Config struct {
	MTU int
	// ConnectTimeout bounds the outbound dial.
	ConnectTimeout time.Duration
	// ConnectWait is how long Handle waits for the dial before answering
	// the SYN asynchronously. Zero never waits.
	ConnectWait time.Duration
	// WriteTimeout bounds a write to the remote socket.
	WriteTimeout time.Duration
	Flow         *flow.Config
	Firewall     firewall.Options
}

// DefaultConfig returns the default TCP engine configuration.
func DefaultConfig() Config {
	return Config{
		MTU:            1500,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Flow:           flow.DefaultConfig(),
	}
}

// Stats are cumulative engine counters.
type Stats struct {
	Opened          uint64
	Closed          uint64
	Resets          uint64
	ConnectFailures uint64
	BytesToRemote   uint64
	BytesToDevice   uint64
	Synthesized     uint64
}

type counters struct {
	opened, closed, resets, connectFailures  atomic.Uint64
	bytesToRemote, bytesToDevice, synthesized atomic.Uint64
}

// Engine owns every TCP flow.
type Engine struct {
	cfg    Config
	dialer Dialer
	out    Output
	table  *flow.Table[packet.FlowKey, *TCB]
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  counters
}

// New creates an engine and starts its idle sweep.
func New(cfg Config, dialer Dialer, out Output, logger *logging.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MTU <= 0 {
		cfg.MTU = def.MTU
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("tcp")

	e := &Engine{
		cfg:    cfg,
		dialer: dialer,
		out:    out,
		logger: logger,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.table = flow.NewTable("tcp", logger, cfg.Flow, e.teardown)
	e.table.Start()
	return e
}

func (e *Engine) teardown(key packet.FlowKey, tcb *TCB, reason flow.Reason) {
	// The idle sweep holds no flow lock; tell the device the flow is gone.
	if reason == flow.ReasonExpired {
		tcb.mu.Lock()
		if !tcb.isClosed() {
			e.resetLocked(tcb)
		}
		tcb.mu.Unlock()
	}
	tcb.shutdown()
	e.stats.closed.Add(1)
	e.logger.Debug("flow closed", "flow", key.String(), "reason", reason.String())
}

// Handle processes one segment from the device.
func (e *Engine) Handle(p *packet.Packet) {
	if e.ctx.Err() != nil {
		return
	}
	flags := packet.FlagsOf(&p.TCP)
	key := p.Key()

	tcb, ok := e.table.Get(key)
	if !ok {
		switch {
		case flags.Has(packet.FlagSYN):
			e.open(p)
		case flags.Has(packet.FlagRST):
			// never answer a reset with a reset
		default:
			e.resetUnknown(p)
		}
		return
	}

	tcb.mu.Lock()
	defer tcb.mu.Unlock()
	if tcb.isClosed() {
		return
	}

	switch {
	case flags.Has(packet.FlagSYN):
		e.duplicateSyn(tcb, p)
	case flags.Has(packet.FlagRST):
		e.logger.Debug("reset by device", "flow", key.String(), "state", tcb.state.String())
		e.destroyLocked(tcb)
	case flags.Has(packet.FlagFIN):
		e.fin(tcb, p)
	case flags.Has(packet.FlagACK):
		e.ack(tcb, p)
	}
}

func (e *Engine) open(p *packet.Packet) {
	key := p.Key()
	fwOpts := e.cfg.Firewall
	fwOpts.Logger = e.logger.WithComponent("firewall").WithFields(map[string]any{"flow": key.String()})

	tcb := &TCB{
		key:       key,
		tpl:       packet.NewTemplate(p),
		fw:        firewall.New(packet.TCP, fwOpts),
		state:     StateSynSent,
		localSeq:  rand.Uint32(),
		localAck:  p.TCP.Seq + 1,
		remoteAck: p.TCP.Ack,
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ConnectTimeout)
	tcb.cancel = cancel

	e.table.Put(key, tcb)
	e.stats.opened.Add(1)
	e.logger.Debug("flow opened", "flow", key.String())

	done := make(chan struct{})
	e.wg.Add(1)
	go e.dial(ctx, tcb, done)

	if e.cfg.ConnectWait > 0 {
		timer := time.NewTimer(e.cfg.ConnectWait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		}
	}
}

// duplicateSyn handles a retransmitted SYN. While the dial is pending it only
// refreshes the expected ack; afterwards it is a protocol violation.
func (e *Engine) duplicateSyn(tcb *TCB, p *packet.Packet) {
	if tcb.state == StateSynSent {
		tcb.localAck = p.TCP.Seq + 1
		return
	}
	e.logger.Debug("unexpected SYN", "flow", tcb.key.String(), "state", tcb.state.String())
	e.resetLocked(tcb)
	e.destroyLocked(tcb)
}

func (e *Engine) fin(tcb *TCB, p *packet.Packet) {
	if len(p.Payload) > 0 && !e.data(tcb, p) {
		return
	}
	tcb.localAck = p.TCP.Seq + uint32(len(p.Payload)) + 1
	tcb.remoteAck = p.TCP.Ack

	if tcb.waiting {
		e.sendLocked(tcb, packet.FlagACK, tcb.localSeq, tcb.localAck, nil)
		tcb.state = StateCloseWait
		if cw, ok := tcb.socket().(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		return
	}
	e.sendLocked(tcb, packet.FlagFIN|packet.FlagACK, tcb.localSeq, tcb.localAck, nil)
	tcb.localSeq++
	tcb.state = StateLastAck
}

func (e *Engine) ack(tcb *TCB, p *packet.Packet) {
	switch tcb.state {
	case StateSynReceived:
		tcb.state = StateEstablished
		tcb.waiting = true
		e.startReader(tcb)
	case StateLastAck:
		e.destroyLocked(tcb)
		return
	}
	tcb.remoteAck = p.TCP.Ack
	if len(p.Payload) == 0 {
		return
	}
	e.data(tcb, p)
}

// data runs a payload through the firewall, forwards what it accepts, acks
// the segment and flushes synthetic responses. It reports false if the flow
// was destroyed.
func (e *Engine) data(tcb *TCB, p *packet.Packet) bool {
	if !tcb.reading && !tcb.eof && tcb.state != StateSynSent {
		e.startReader(tcb)
	}

	n := uint32(len(p.Payload))
	tcb.localAck = p.TCP.Seq + n
	tcb.remoteAck = p.TCP.Ack

	if fwd := tcb.fw.Filter(p.Payload); len(fwd) > 0 {
		if err := e.write(tcb, fwd); err != nil {
			e.logger.Debug("remote write failed", "flow", tcb.key.String(), "error", err)
			e.resetLocked(tcb)
			e.destroyLocked(tcb)
			return false
		}
	}

	e.sendLocked(tcb, packet.FlagACK, tcb.localSeq, tcb.localAck, nil)

	limit := packet.MaxTCPPayload(e.cfg.MTU)
	for _, resp := range tcb.fw.DrainResponses() {
		e.stats.synthesized.Add(1)
		for len(resp) > 0 {
			chunk := resp[:min(len(resp), limit)]
			resp = resp[len(chunk):]
			e.sendLocked(tcb, packet.FlagPSH|packet.FlagACK, tcb.localSeq, tcb.localAck, chunk)
			tcb.localSeq += uint32(len(chunk))
		}
	}
	return true
}

func (e *Engine) write(tcb *TCB, b []byte) error {
	conn := tcb.socket()
	if conn == nil {
		return net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		return err
	}
	e.stats.bytesToRemote.Add(uint64(len(b)))
	return nil
}

// resetUnknown answers a segment for a flow we do not know.
func (e *Engine) resetUnknown(p *packet.Packet) {
	var seq uint32
	if p.TCP.ACK {
		seq = p.TCP.Ack
	}
	ack := p.TCP.Seq + uint32(len(p.Payload)) + 1
	b, err := packet.BuildTCP(packet.NewTemplate(p), packet.FlagRST|packet.FlagACK, seq, ack, nil)
	if err != nil {
		e.logger.Error("build reset", "error", err)
		return
	}
	e.stats.resets.Add(1)
	e.emit(b)
}

func (e *Engine) resetLocked(tcb *TCB) {
	e.stats.resets.Add(1)
	e.sendLocked(tcb, packet.FlagRST|packet.FlagACK, tcb.localSeq, tcb.localAck, nil)
}

// destroyLocked removes the flow. The table teardown closes the socket.
func (e *Engine) destroyLocked(tcb *TCB) {
	e.table.Remove(tcb.key)
	tcb.shutdown()
}

func (e *Engine) sendLocked(tcb *TCB, flags packet.Flags, seq, ack uint32, payload []byte) {
	b, err := packet.BuildTCP(tcb.tpl, flags, seq, ack, payload)
	if err != nil {
		e.logger.Error("build segment", "flow", tcb.key.String(), "flags", flags.String(), "error", err)
		return
	}
	e.stats.bytesToDevice.Add(uint64(len(payload)))
	e.emit(b)
}

func (e *Engine) emit(b []byte) {
	if err := e.out.PushBytes(e.ctx, b); err != nil {
		e.logger.Debug("drop packet to device", "error", err)
	}
}

// Len returns the number of live flows.
func (e *Engine) Len() int { return e.table.Len() }

// Capacity returns the flow table size limit.
func (e *Engine) Capacity() int { return e.table.Capacity() }

// Lookup returns the TCB for key.
func (e *Engine) Lookup(key packet.FlowKey) (*TCB, bool) {
	return e.table.Get(key)
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Opened:          e.stats.opened.Load(),
		Closed:          e.stats.closed.Load(),
		Resets:          e.stats.resets.Load(),
		ConnectFailures: e.stats.connectFailures.Load(),
		BytesToRemote:   e.stats.bytesToRemote.Load(),
		BytesToDevice:   e.stats.bytesToDevice.Load(),
		Synthesized:     e.stats.synthesized.Load(),
	}
}

// Shutdown cancels the engine context so a Handle blocked on a full output
// queue returns. Flows stay open until Close.
func (e *Engine) Shutdown() { e.cancel() }

// Close stops accepting segments, closes every flow exactly once and waits
// for the dial and read goroutines to exit.
func (e *Engine) Close() {
	e.cancel()
	e.table.Stop()
	n := e.table.EvictAll()
	e.wg.Wait()
	e.logger.Debug("engine closed", "flows", n)
}
