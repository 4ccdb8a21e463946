// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/dnswire"
)

func maybeDNS(b []byte) bool {
	return dnswire.Maybe(b)
}

// writeDNS decides one datagram. A failed unpack is a parse error; a failed
// pack of the synthesized answer only lets this query through.
func (e *Engine) writeDNS(c []byte) error {
	// every datagram is its own decision
	e.status = StatusIncomplete
	msg, err := dnswire.Unpack(c)
	if err != nil {
		return err
	}

	answers, qtype := e.matchDNS(msg)
	if len(answers) == 0 {
		e.setStatus(StatusAccept)
		e.out = append(e.out, c...)
		return nil
	}

	resp, err := dnswire.NewResponse(msg, qtype, answers, e.opts.DNSTTL).Pack()
	if err != nil {
		e.logger.Warn("dns answer not encodable, forwarding query", "name", msg.Questions[0].Name, "error", err)
		e.setStatus(StatusAccept)
		e.out = append(e.out, c...)
		return nil
	}

	e.logger.Debug("dns query answered locally", "name", msg.Questions[0].Name, "type", dnswire.TypeString(qtype), "answers", len(answers))
	e.setStatus(StatusDrop)
	e.responses = append(e.responses, resp)
	return nil
}

func (e *Engine) matchDNS(msg *dnswire.Message) ([]string, uint16) {
	if e.opts.Rules == nil || msg.Response || len(msg.Questions) != 1 {
		return nil, 0
	}
	q := msg.Questions[0]
	switch q.Type {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME:
		return e.opts.Rules.MatchDNS(q.Name, q.Type), q.Type
	}
	return nil, 0
}
