// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall inspects the byte stream of one flow, classifies it as
// HTTP, DNS or something else, and decides per request whether the bytes
// are forwarded to the remote host or answered locally.
package firewall

import (
	"grimm.is/tunwall/internal/httpstream"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/packet"
)

// Status is the forwarding decision for the current request.
type Status int

const (
	StatusIncomplete Status = iota
	StatusAccept
	StatusDrop
)

func (s Status) String() string {
	switch s {
	case StatusAccept:
		return "accept"
	case StatusDrop:
		return "drop"
	default:
		return "incomplete"
	}
}

// Protocol is the detected application protocol. It is decided on the first
// chunk of a flow and only ever changes afterwards to ProtocolOther.
type Protocol int

const (
	ProtocolUndetermined Protocol = iota
	ProtocolHTTP
	ProtocolDNS
	ProtocolOther
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolDNS:
		return "dns"
	case ProtocolOther:
		return "other"
	default:
		return "undetermined"
	}
}

// Matcher looks up rules. *rules.Table implements it.
type Matcher interface {
	MatchDNS(name string, qtype uint16) []string
	MatchHTTP(url, method string) (string, bool)
}

// Observer is told about decisions, e.g. to export metrics.
type Observer interface {
	Decision(p Protocol, s Status)
	FailOpen(p Protocol)
}

// DefaultDNSTTL is the TTL of synthesized DNS answers.
const DefaultDNSTTL = 10

// Options configures an Engine.
type Options struct {
	Rules         Matcher
	MaxHeaderSize int
	DNSTTL        uint32
	Logger        *logging.Logger
	Observer      Observer
}

// Engine is the per-flow inspector. It is not safe for concurrent use; the
// owning flow serializes calls under its own lock.
type Engine struct {
	transport packet.Transport
	opts      Options
	logger    *logging.Logger

	status Status
	proto  Protocol

	// out holds bytes approved for forwarding, held the bytes of an HTTP
	// request whose header is still incomplete.
	out  []byte
	held []byte

	responses [][]byte
	count     int
	bytes     int

	req      *httpstream.Request
	template string
	matched  bool
}

// New creates an engine for one flow.
func New(transport packet.Transport, opts Options) *Engine {
	if opts.DNSTTL == 0 {
		opts.DNSTTL = DefaultDNSTTL
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = httpstream.DefaultMaxHeaderSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("firewall")
	}
	return &Engine{
		transport: transport,
		opts:      opts,
		logger:    logger,
	}
}

// Write feeds the next payload chunk through the inspector.
func (e *Engine) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	e.count++
	e.bytes += len(p)

	if e.proto == ProtocolUndetermined {
		e.proto = e.classify(p)
		e.logger.Debug("protocol detected", "protocol", e.proto.String())
	}

	switch e.proto {
	case ProtocolHTTP:
		if rest, err := e.writeHTTP(p); err != nil {
			e.failOpen(err, rest)
		}
	case ProtocolDNS:
		if err := e.writeDNS(p); err != nil {
			e.failOpen(err, p)
		}
	default:
		e.setStatus(StatusAccept)
		e.out = append(e.out, p...)
	}
}

func (e *Engine) classify(p []byte) Protocol {
	switch {
	case e.transport == packet.TCP && httpstream.Maybe(p):
		return ProtocolHTTP
	case e.transport == packet.UDP && maybeDNS(p):
		return ProtocolDNS
	default:
		return ProtocolOther
	}
}

// failOpen permanently degrades the flow to forwarding everything. pending is
// the unprocessed tail of the chunk that failed.
func (e *Engine) failOpen(err error, pending []byte) {
	e.logger.Warn("inspection failed, forwarding flow unmodified", "protocol", e.proto.String(), "error", err)
	if e.opts.Observer != nil {
		e.opts.Observer.FailOpen(e.proto)
	}
	e.proto = ProtocolOther
	e.out = append(e.out, e.held...)
	e.out = append(e.out, pending...)
	e.held = nil
	e.req = nil
	e.template = ""
	e.matched = false
	e.setStatus(StatusAccept)
}

func (e *Engine) setStatus(s Status) {
	if e.status == s {
		return
	}
	e.status = s
	if s != StatusIncomplete && e.opts.Observer != nil {
		e.opts.Observer.Decision(e.proto, s)
	}
}

// Filter writes p and returns the bytes that may now be forwarded to the
// remote host. Bytes of dropped requests are discarded; bytes of requests
// still being decided stay buffered.
func (e *Engine) Filter(p []byte) []byte {
	e.Write(p)
	return e.take()
}

func (e *Engine) take() []byte {
	if len(e.out) == 0 {
		return nil
	}
	out := e.out
	e.out = nil
	return out
}

// DrainResponses returns and clears the queued synthetic responses.
func (e *Engine) DrainResponses() [][]byte {
	r := e.responses
	e.responses = nil
	return r
}

// Pending reports whether synthetic responses are queued.
func (e *Engine) Pending() bool { return len(e.responses) > 0 }

func (e *Engine) Status() Status     { return e.status }
func (e *Engine) Protocol() Protocol { return e.proto }
func (e *Engine) IsAccept() bool     { return e.status == StatusAccept }
func (e *Engine) IsDrop() bool       { return e.status == StatusDrop }

// Count is the number of chunks written.
func (e *Engine) Count() int { return e.count }

// Bytes is the number of payload bytes written.
func (e *Engine) Bytes() int { return e.bytes }
