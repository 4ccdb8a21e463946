// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package udpflow relays UDP datagrams from the device over connected
// sockets. A flow is created by its first datagram and lives until a socket
// error, idle expiry or LRU eviction.
package udpflow

import (
	"context"
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

// Output receives datagrams for the device.
type Output interface {
	PushBytes(ctx context.Context, b []byte) error
}

// Config for the UDP engine.
type Config struct {
	MTU            int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Flow           *flow.Config
	Firewall       firewall.Options
}

// DefaultConfig returns the default UDP engine configuration.
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
	Opened        uint64
	Closed        uint64
	Errors        uint64
	BytesToRemote uint64
	BytesToDevice uint64
	Synthesized   uint64
}

// UDB is the record of one UDP flow.
type UDB struct {
	mu   sync.Mutex
	key  packet.FlowKey
	tpl  *packet.Template
	fw   *firewall.Engine
	conn net.Conn

	closeOnce sync.Once
}

// Key returns the flow identity.
func (u *UDB) Key() packet.FlowKey { return u.key }

// Protocol reports what the flow's firewall classified it as.
func (u *UDB) Protocol() firewall.Protocol {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fw.Protocol()
}

func (u *UDB) shutdown() {
	u.closeOnce.Do(func() { u.conn.Close() })
}

// Engine owns every UDP flow.
type Engine struct {
	cfg    Config
	dialer Dialer
	out    Output
	table  *flow.Table[packet.FlowKey, *UDB]
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opened, closed, errs          atomic.Uint64
	toRemote, toDevice, synthetic atomic.Uint64
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
	logger = logger.WithComponent("udp")

	e := &Engine{cfg: cfg, dialer: dialer, out: out, logger: logger}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.table = flow.NewTable("udp", logger, cfg.Flow, func(key packet.FlowKey, u *UDB, reason flow.Reason) {
		u.shutdown()
		e.closed.Add(1)
		e.logger.Debug("flow closed", "flow", key.String(), "reason", reason.String())
	})
	e.table.Start()
	return e
}

// Handle processes one datagram from the device.
func (e *Engine) Handle(p *packet.Packet) {
	if e.ctx.Err() != nil {
		return
	}
	u, ok := e.table.Get(p.Key())
	if !ok {
		if u, ok = e.open(p); !ok {
			return
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if fwd := u.fw.Filter(p.Payload); len(fwd) > 0 {
		if err := e.write(u, fwd); err != nil {
			e.fail(u, "remote write failed", err)
			return
		}
	}

	limit := packet.MaxUDPPayload(e.cfg.MTU)
	for _, resp := range u.fw.DrainResponses() {
		e.synthetic.Add(1)
		for len(resp) > 0 {
			chunk := resp[:min(len(resp), limit)]
			resp = resp[len(chunk):]
			e.send(u, chunk)
		}
	}
}

// open connects a socket for a new flow. Connect errors drop the datagram;
// UDP has no way to tell the device.
func (e *Engine) open(p *packet.Packet) (*UDB, bool) {
	key := p.Key()
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ConnectTimeout)
	defer cancel()

	conn, err := e.dialer.DialContext(ctx, "udp", key.Remote())
	if err != nil {
		e.errs.Add(1)
		e.logger.Debug("connect failed", "flow", key.String(), "error", err)
		return nil, false
	}

	fwOpts := e.cfg.Firewall
	fwOpts.Logger = e.logger.WithComponent("firewall").WithFields(map[string]any{"flow": key.String()})
	u := &UDB{
		key:  key,
		tpl:  packet.NewTemplate(p),
		fw:   firewall.New(packet.UDP, fwOpts),
		conn: conn,
	}
	e.table.Put(key, u)
	e.opened.Add(1)
	e.logger.Debug("flow opened", "flow", key.String())

	e.wg.Add(1)
	go e.readLoop(u)
	return u, true
}

func (e *Engine) write(u *UDB, b []byte) error {
	if err := u.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := u.conn.Write(b); err != nil {
		return err
	}
	e.toRemote.Add(uint64(len(b)))
	return nil
}

func (e *Engine) readLoop(u *UDB) {
	defer e.wg.Done()
	buf := make([]byte, packet.MaxUDPPayload(e.cfg.MTU))
	for {
		n, err := u.conn.Read(buf)
		if n > 0 {
			u.mu.Lock()
			e.send(u, buf[:n])
			u.mu.Unlock()
			e.table.Touch(u.key)
		}
		if err != nil {
			if e.ctx.Err() == nil {
				e.fail(u, "remote read failed", err)
			}
			return
		}
	}
}

// fail destroys the flow after a socket error. The reader of an evicted
// record may wake after the key was reopened; only u itself is removed.
func (e *Engine) fail(u *UDB, msg string, err error) {
	if e.table.RemoveIf(u.key, func(cur *UDB) bool { return cur == u }) {
		e.errs.Add(1)
		e.logger.Debug(msg, "flow", u.key.String(), "error", err)
	}
	u.shutdown()
}

func (e *Engine) send(u *UDB, payload []byte) {
	b, err := packet.BuildUDP(u.tpl, payload)
	if err != nil {
		e.logger.Error("build datagram", "flow", u.key.String(), "error", err)
		return
	}
	if err := e.out.PushBytes(e.ctx, b); err != nil {
		e.logger.Debug("drop packet to device", "error", err)
		return
	}
	e.toDevice.Add(uint64(len(payload)))
}

// Len returns the number of live flows.
func (e *Engine) Len() int { return e.table.Len() }

// Capacity returns the flow table size limit.
func (e *Engine) Capacity() int { return e.table.Capacity() }

// Lookup returns the record for key.
func (e *Engine) Lookup(key packet.FlowKey) (*UDB, bool) { return e.table.Get(key) }

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Opened:        e.opened.Load(),
		Closed:        e.closed.Load(),
		Errors:        e.errs.Load(),
		BytesToRemote: e.toRemote.Load(),
		BytesToDevice: e.toDevice.Load(),
		Synthesized:   e.synthetic.Load(),
	}
}

// Shutdown cancels the engine context so a Handle blocked on a full output
// queue returns. Flows stay open until Close.
func (e *Engine) Shutdown() { e.cancel() }

// Close stops accepting datagrams, closes every flow exactly once and waits
// for the read goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.table.Stop()
	n := e.table.EvictAll()
	e.wg.Wait()
	e.logger.Debug("engine closed", "flows", n)
}
