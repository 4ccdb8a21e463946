// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tcpflow

import (
	"context"
	"net"
	"sync"

	"grimm.is/tunwall/internal/firewall"
	"grimm.is/tunwall/internal/packet"
)

// State is the lifecycle state of a TCB, named after the state the device
// side sees us in.
type State int

const (
	StateSynSent State = iota + 1
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "CLOSED"
	}
}

// TCB is the record of one TCP flow. mu serializes every event for the
// flow; connMu only guards the socket handle so teardown can close it
// without waiting for an event in progress.
type TCB struct {
	mu  sync.Mutex
	key packet.FlowKey
	tpl *packet.Template
	fw  *firewall.Engine

	state State
	// localSeq is our next sequence number toward the device, localAck the
	// next byte we expect from it, remoteAck the last ack it sent us.
	localSeq  uint32
	localAck  uint32
	remoteAck uint32

	// waiting is set while the remote may still send data.
	waiting bool
	reading bool
	eof     bool

	cancel context.CancelFunc

	connMu sync.Mutex
	conn   net.Conn
	closed bool
}

// Key returns the flow identity.
func (t *TCB) Key() packet.FlowKey { return t.key }

// Snapshot is a copy of the TCB's sequence state, for logging and tests.
type Snapshot struct {
	State     State
	LocalSeq  uint32
	LocalAck  uint32
	RemoteAck uint32
	Waiting   bool
}

// Snapshot copies the current sequence state.
func (t *TCB) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		State:     t.state,
		LocalSeq:  t.localSeq,
		LocalAck:  t.localAck,
		RemoteAck: t.remoteAck,
		Waiting:   t.waiting,
	}
}

// attach stores the connected socket. It fails if the flow was torn down
// while the dial was in flight.
func (t *TCB) attach(c net.Conn) bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.closed {
		return false
	}
	t.conn = c
	return true
}

func (t *TCB) socket() net.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

func (t *TCB) isClosed() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.closed
}

// shutdown closes the socket and aborts a pending dial. It is the flow
// table teardown and must not take mu.
func (t *TCB) shutdown() {
	t.connMu.Lock()
	if t.closed {
		t.connMu.Unlock()
		return
	}
	t.closed = true
	c := t.conn
	t.connMu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if c != nil {
		c.Close()
	}
}
