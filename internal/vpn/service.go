// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vpn runs the packet pipeline between the tun device and the flow
// engines.
//
// One goroutine reads the device and routes each packet by transport onto
// the TCP or UDP queue. One worker per transport drains its queue into the
// flow engine, so segments of a flow are handled in arrival order. The
// engines' dial and read goroutines push replies onto the output queue, which
// a single writer drains back to the device. Buffers move between these
// goroutines by handle and are released by whoever consumes them.
package vpn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/tunwall/internal/buffer"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/metrics"
	"grimm.is/tunwall/internal/packet"
	"grimm.is/tunwall/internal/tcpflow"
	"grimm.is/tunwall/internal/tun"
	"grimm.is/tunwall/internal/udpflow"
)

// Options configures a Service.
type Options struct {
	Device tun.Device
	TCP    tcpflow.Config
	UDP    udpflow.Config

	// TCPDialer and UDPDialer default to a net.Dialer.
	TCPDialer tcpflow.Dialer
	UDPDialer udpflow.Dialer

	QueueDepth      int
	ArenaBuffers    int
	ArenaBufferSize int
	ArenaMax        int

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running        bool          `json:"running"`
	Device         string        `json:"device"`
	Uptime         time.Duration `json:"uptime_ns"`
	PacketsRead    uint64        `json:"packets_read"`
	PacketsWritten uint64        `json:"packets_written"`
	DecodeErrors   uint64        `json:"decode_errors"`
	TCPFlows       int           `json:"tcp_flows"`
	UDPFlows       int           `json:"udp_flows"`
	TCP            tcpflow.Stats `json:"tcp"`
	UDP            udpflow.Stats `json:"udp"`
	QueuedTCP      int           `json:"queued_tcp"`
	QueuedUDP      int           `json:"queued_udp"`
	QueuedOut      int           `json:"queued_out"`
	BuffersLive    int           `json:"buffers_live"`
	BuffersTotal   int           `json:"buffers_total"`
}

// Service owns the device, the queues and both flow engines.
type Service struct {
	dev    tun.Device
	logger *logging.Logger
	m      *metrics.Metrics

	arena *buffer.Arena
	tcpQ  *buffer.Queue
	udpQ  *buffer.Queue
	outQ  *buffer.Queue

	tcp *tcpflow.Engine
	udp *udpflow.Engine

	running atomic.Bool
	started atomic.Int64
	ran     atomic.Bool

	read, written, decodeErrors atomic.Uint64
}

// New creates the service and its flow engines. Nothing runs until Run.
func New(opts Options) (*Service, error) {
	if opts.Device == nil {
		return nil, errors.New(errors.KindValidation, "vpn: device is required")
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	if opts.ArenaBufferSize <= 0 {
		opts.ArenaBufferSize = 16384
	}
	if opts.ArenaBufferSize < opts.Device.MTU() {
		return nil, errors.Errorf(errors.KindValidation, "vpn: buffer size %d below device mtu %d", opts.ArenaBufferSize, opts.Device.MTU())
	}
	if opts.ArenaBuffers <= 0 {
		opts.ArenaBuffers = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Service{
		dev:    opts.Device,
		logger: logger.WithComponent("vpn"),
		m:      opts.Metrics,
	}
	s.arena = buffer.NewArena(opts.ArenaBufferSize, opts.ArenaBuffers, opts.ArenaMax)
	s.tcpQ = buffer.NewQueue(s.arena, opts.QueueDepth)
	s.udpQ = buffer.NewQueue(s.arena, opts.QueueDepth)
	s.outQ = buffer.NewQueue(s.arena, opts.QueueDepth)

	if opts.TCP.MTU <= 0 {
		opts.TCP.MTU = opts.Device.MTU()
	}
	if opts.UDP.MTU <= 0 {
		opts.UDP.MTU = opts.Device.MTU()
	}
	if s.m != nil {
		if opts.TCP.Firewall.Observer == nil {
			opts.TCP.Firewall.Observer = s.m
		}
		if opts.UDP.Firewall.Observer == nil {
			opts.UDP.Firewall.Observer = s.m
		}
	}

	s.tcp = tcpflow.New(opts.TCP, opts.TCPDialer, s.outQ, logger)
	s.udp = udpflow.New(opts.UDP, opts.UDPDialer, s.outQ, logger)

	if s.m != nil {
		s.m.Flows().Add("tcp", func() metrics.FlowStats {
			st := s.tcp.Stats()
			return metrics.FlowStats{
				Active: s.tcp.Len(), Capacity: s.tcp.Capacity(),
				Opened: st.Opened, Closed: st.Closed, Resets: st.Resets, Errors: st.ConnectFailures,
				BytesToRemote: st.BytesToRemote, BytesToDevice: st.BytesToDevice, Synthesized: st.Synthesized,
			}
		})
		s.m.Flows().Add("udp", func() metrics.FlowStats {
			st := s.udp.Stats()
			return metrics.FlowStats{
				Active: s.udp.Len(), Capacity: s.udp.Capacity(),
				Opened: st.Opened, Closed: st.Closed, Errors: st.Errors,
				BytesToRemote: st.BytesToRemote, BytesToDevice: st.BytesToDevice, Synthesized: st.Synthesized,
			}
		})
	}
	return s, nil
}

// Run processes packets until ctx is cancelled or the device fails. On
// return the device is closed and every flow has been torn down exactly once.
// A Service runs at most once.
func (s *Service) Run(ctx context.Context) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New(errors.KindConflict, "vpn: service already ran")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.started.Store(time.Now().UnixNano())
	s.running.Store(true)
	defer s.running.Store(false)
	s.logger.Info("packet pipeline started", "device", s.dev.Name(), "mtu", s.dev.MTU())

	var workers, writer sync.WaitGroup
	readErr := make(chan error, 1)

	workers.Add(3)
	go func() {
		defer workers.Done()
		readErr <- s.readLoop(ctx)
		cancel()
	}()
	go func() {
		defer workers.Done()
		s.work(ctx, s.tcpQ, s.tcp.Handle)
	}()
	go func() {
		defer workers.Done()
		s.work(ctx, s.udpQ, s.udp.Handle)
	}()

	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(ctx)
	}()

	<-ctx.Done()
	// Closing the device unblocks the reader and the writer.
	if err := s.dev.Close(); err != nil {
		s.logger.Debug("device close", "error", err)
	}
	// A worker may be blocked pushing into a full outQ nobody drains now.
	s.tcp.Shutdown()
	s.udp.Shutdown()
	workers.Wait()

	// Engines close after their workers so no Handle races the eviction.
	s.tcp.Close()
	s.udp.Close()
	writer.Wait()

	dropped := 0
	for _, q := range []struct {
		name string
		q    *buffer.Queue
	}{{"tcp", s.tcpQ}, {"udp", s.udpQ}, {"out", s.outQ}} {
		n := q.q.Drain()
		dropped += n
		if s.m != nil && n > 0 {
			s.m.QueueDrops.WithLabelValues(q.name).Add(float64(n))
		}
	}
	live, total := s.arena.Stats()
	s.logger.Info("packet pipeline stopped", "dropped", dropped, "buffers_live", live, "buffers_total", total)

	return <-readErr
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		h, err := s.arena.Acquire()
		if err != nil {
			// Every buffer is in flight; wait for the pipeline to drain.
			s.logger.Warn("buffer arena exhausted", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		buf, _ := s.arena.Full(h)
		n, err := s.dev.Read(buf)
		if err != nil {
			s.arena.Release(h)
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.KindIO, "read tun device")
		}
		s.arena.SetLen(h, n)
		s.read.Add(1)
		if s.m != nil {
			s.m.PacketsRead.Inc()
		}

		transport, err := packet.Peek(buf[:n])
		if err != nil {
			s.arena.Release(h)
			s.decodeError(err)
			continue
		}
		q := s.tcpQ
		if transport == packet.UDP {
			q = s.udpQ
		}
		if err := q.Push(ctx, h); err != nil {
			return nil
		}
	}
}

func (s *Service) work(ctx context.Context, q *buffer.Queue, handle func(*packet.Packet)) {
	dec := packet.NewDecoder()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-q.C():
			b, err := s.arena.Bytes(h)
			if err == nil {
				var p *packet.Packet
				if p, err = dec.Decode(b); err == nil {
					handle(p)
				}
			}
			if err != nil {
				s.decodeError(err)
			}
			s.arena.Release(h)
		}
	}
}

func (s *Service) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-s.outQ.C():
			b, err := s.arena.Bytes(h)
			if err == nil {
				_, err = s.dev.Write(b)
			}
			s.arena.Release(h)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Debug("write tun device", "error", err)
				continue
			}
			s.written.Add(1)
			if s.m != nil {
				s.m.PacketsWritten.Inc()
			}
		}
	}
}

func (s *Service) decodeError(err error) {
	s.decodeErrors.Add(1)
	s.logger.Debug("dropping undecodable packet", "error", err)
	if s.m != nil {
		s.m.DecodeErrors.WithLabelValues(errors.GetKind(err).String()).Inc()
	}
}

// Status returns a snapshot of the pipeline counters.
func (s *Service) Status() Status {
	st := Status{
		Running:        s.running.Load(),
		Device:         s.dev.Name(),
		PacketsRead:    s.read.Load(),
		PacketsWritten: s.written.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		TCPFlows:       s.tcp.Len(),
		UDPFlows:       s.udp.Len(),
		TCP:            s.tcp.Stats(),
		UDP:            s.udp.Stats(),
		QueuedTCP:      s.tcpQ.Len(),
		QueuedUDP:      s.udpQ.Len(),
		QueuedOut:      s.outQ.Len(),
	}
	st.BuffersLive, st.BuffersTotal = s.arena.Stats()
	if st.Running {
		st.Uptime = time.Since(time.Unix(0, s.started.Load()))
	}
	return st
}
