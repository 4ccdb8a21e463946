// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tcpflow

import (
	"context"
	"io"
	"net"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/packet"
)

// dial connects the outbound socket and completes the handshake toward the
// device.
func (e *Engine) dial(ctx context.Context, tcb *TCB, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)

	conn, err := e.dialer.DialContext(ctx, "tcp", tcb.key.Remote())
	tcb.cancel()

	tcb.mu.Lock()
	defer tcb.mu.Unlock()

	if err != nil {
		if tcb.isClosed() {
			return
		}
		e.stats.connectFailures.Add(1)
		e.logger.Debug("connect failed", "flow", tcb.key.String(), "error", err)
		e.resetLocked(tcb)
		e.destroyLocked(tcb)
		return
	}
	if !tcb.attach(conn) {
		conn.Close()
		return
	}

	e.sendLocked(tcb, packet.FlagSYN|packet.FlagACK, tcb.localSeq, tcb.localAck, nil)
	tcb.localSeq++
	tcb.state = StateSynReceived
}

// startReader begins relaying remote data to the device. Caller holds mu.
func (e *Engine) startReader(tcb *TCB) {
	conn := tcb.socket()
	if conn == nil || tcb.reading {
		return
	}
	tcb.reading = true
	e.wg.Add(1)
	go e.readLoop(tcb, conn)
}

func (e *Engine) readLoop(tcb *TCB, conn net.Conn) {
	defer e.wg.Done()
	buf := make([]byte, packet.MaxTCPPayload(e.cfg.MTU))

	for {
		n, err := conn.Read(buf)

		tcb.mu.Lock()
		if tcb.isClosed() {
			tcb.mu.Unlock()
			return
		}
		if n > 0 {
			e.sendLocked(tcb, packet.FlagPSH|packet.FlagACK, tcb.localSeq, tcb.localAck, buf[:n])
			tcb.localSeq += uint32(n)
			e.table.Touch(tcb.key)
		}
		if err != nil {
			e.readDone(tcb, err)
			tcb.mu.Unlock()
			return
		}
		tcb.mu.Unlock()
	}
}

// readDone handles the end of the remote stream. Caller holds mu.
func (e *Engine) readDone(tcb *TCB, err error) {
	tcb.reading = false
	if !errors.Is(err, io.EOF) {
		e.logger.Debug("remote read failed", "flow", tcb.key.String(), "error", err)
		e.resetLocked(tcb)
		e.destroyLocked(tcb)
		return
	}

	tcb.eof = true
	tcb.waiting = false
	if tcb.state == StateCloseWait {
		e.sendLocked(tcb, packet.FlagFIN|packet.FlagACK, tcb.localSeq, tcb.localAck, nil)
		tcb.localSeq++
		tcb.state = StateLastAck
	}
}
