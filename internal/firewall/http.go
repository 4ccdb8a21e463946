// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"grimm.is/tunwall/internal/httpstream"
)

// writeHTTP feeds c into the current request, starting new requests for
// bytes that follow a completed body. On error it returns the bytes of c
// that were not consumed.
func (e *Engine) writeHTTP(c []byte) ([]byte, error) {
	for len(c) > 0 {
		if e.req == nil {
			e.req = httpstream.NewRequest(e.opts.MaxHeaderSize)
			e.template = ""
			e.matched = false
			e.setStatus(StatusIncomplete)
		}

		hadHeader := e.req.HeaderComplete()
		if err := e.req.Write(c); err != nil {
			return c, err
		}

		var rest []byte
		part := c
		if e.req.BodyComplete() {
			rest = e.req.Remaining()
			part = c[:len(c)-len(rest)]
		}
		e.held = append(e.held, part...)

		if !e.req.HeaderComplete() {
			return nil, nil
		}
		if !hadHeader {
			e.decide()
		}
		if e.status == StatusAccept {
			e.out = append(e.out, e.held...)
		}
		e.held = e.held[:0]

		if e.req.BodyComplete() {
			e.finish()
			e.req = nil
		}
		c = rest
	}
	return nil, nil
}

func (e *Engine) decide() {
	if e.opts.Rules != nil {
		e.template, e.matched = e.opts.Rules.MatchHTTP(e.req.URL(), e.req.Method())
	}
	if e.matched {
		e.setStatus(StatusDrop)
	} else {
		e.setStatus(StatusAccept)
	}
}

func (e *Engine) finish() {
	e.logger.Debug("http request", "method", e.req.Method(), "url", e.req.URL(), "status", e.status.String())
	if !e.matched {
		return
	}
	body := httpstream.Render(e.template, e.req.Input)
	e.responses = append(e.responses, httpstream.NewFixedLengthResponse(body, e.req.KeepAlive()))
}
