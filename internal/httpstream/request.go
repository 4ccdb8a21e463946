// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package httpstream reassembles HTTP/1.x requests from a TCP byte stream
// that arrives in arbitrary chunks.
package httpstream

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"grimm.is/tunwall/internal/errors"
)

// DefaultMaxHeaderSize bounds the request line plus header block.
const DefaultMaxHeaderSize = 8192

// maxFormSize caps how much of a form body is kept for parameter decoding.
const maxFormSize = 64 << 10

// maxChunkLine bounds a chunk size line or trailer field.
const maxChunkLine = 4096

var (
	ErrHeaderTooLarge = errors.New(errors.KindLimit, "http header exceeds size limit")
	ErrMalformed      = errors.New(errors.KindProtocol, "malformed http request")
)

var methods = map[string]struct{}{
	"GET": {}, "PUT": {}, "POST": {}, "DELETE": {}, "HEAD": {}, "OPTIONS": {},
	"TRACE": {}, "CONNECT": {}, "PATCH": {}, "PROPFIND": {}, "PROPPATCH": {},
	"MKCOL": {}, "MOVE": {}, "COPY": {}, "LOCK": {}, "UNLOCK": {},
}

// IsMethod reports whether token is a request method this package accepts.
func IsMethod(token string) bool {
	_, ok := methods[token]
	return ok
}

// Maybe reports whether b starts like an HTTP request line: a known method
// followed by a target that is either a path or an absolute URL.
func Maybe(b []byte) bool {
	line := b
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 2 || !IsMethod(fields[0]) {
		return false
	}
	return strings.HasPrefix(fields[1], "/") || strings.Contains(fields[1], "://")
}

// Request is one request being reassembled. Write may be called with any
// split of the stream; bytes past the end of the body are kept and returned
// by Remaining so the caller can start the next request on a kept-alive
// connection.
type Request struct {
	maxHeader int

	head       []byte
	headerDone bool
	bodyDone   bool

	bodyLen  int64
	bodyRead int64
	form     []byte
	isForm   bool
	rest     []byte

	chunked   bool
	chunk     chunkState
	chunkLeft int64
	line      []byte

	method string
	target string
	path   string
	query  string
	proto  string
	host   string
	header textproto.MIMEHeader
	params url.Values
}

// NewRequest returns an empty request. maxHeader <= 0 selects
// DefaultMaxHeaderSize.
func NewRequest(maxHeader int) *Request {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeaderSize
	}
	return &Request{maxHeader: maxHeader}
}

// Write feeds the next chunk of the stream.
func (r *Request) Write(p []byte) error {
	if r.bodyDone {
		r.rest = append(r.rest, p...)
		return nil
	}
	if r.headerDone {
		return r.consume(p)
	}

	r.head = append(r.head, p...)
	end := headerEnd(r.head)
	if end < 0 {
		if len(r.head) >= r.maxHeader {
			return errors.Wrapf(ErrHeaderTooLarge, errors.KindLimit, "%d bytes without header terminator", len(r.head))
		}
		return nil
	}
	if end > r.maxHeader {
		return errors.Wrapf(ErrHeaderTooLarge, errors.KindLimit, "header is %d bytes", end)
	}

	trailing := r.head[end:]
	r.head = r.head[:end:end]
	if err := r.parseHeader(); err != nil {
		return err
	}
	r.headerDone = true

	if te := r.header.Values("Transfer-Encoding"); len(te) > 0 {
		// chunked must be the final coding; it overrides Content-Length
		codings := strings.Split(te[len(te)-1], ",")
		if !strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return errors.Wrapf(ErrMalformed, errors.KindProtocol, "transfer-encoding %q", strings.Join(te, ", "))
		}
		r.chunked = true
	} else if cl := r.header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return errors.Wrapf(ErrMalformed, errors.KindProtocol, "content-length %q", cl)
		}
		r.bodyLen = n
	} else if !Maybe(trailing) {
		// without a length, trailing bytes are the body unless they start
		// the next pipelined request
		r.bodyLen = int64(len(trailing))
	}
	return r.consume(trailing)
}

// headerEnd returns the offset just past the first blank line, accepting
// CRLF CRLF or a bare LF LF, or -1.
func headerEnd(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && i+3 < len(b) && b[i+2] == '\r' && b[i+3] == '\n' {
			return i + 4
		}
		if b[i] == '\n' && b[i+1] == '\n' {
			return i + 2
		}
	}
	return -1
}

func (r *Request) parseHeader() error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(r.head)))
	line, err := tp.ReadLine()
	if err != nil {
		return errors.Wrap(ErrMalformed, errors.KindProtocol, "request line")
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return errors.Wrapf(ErrMalformed, errors.KindProtocol, "request line %q", line)
	}
	if !IsMethod(fields[0]) {
		return errors.Wrapf(ErrMalformed, errors.KindProtocol, "method %q", fields[0])
	}
	r.method = fields[0]
	r.target = fields[1]
	r.proto = "HTTP/1.1"
	if len(fields) > 2 {
		r.proto = fields[2]
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(ErrMalformed, errors.KindProtocol, "headers: %v", err)
	}
	if hdr == nil {
		hdr = textproto.MIMEHeader{}
	}
	r.header = hdr
	r.host = hdr.Get("Host")

	target := r.target
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			if r.host == "" {
				r.host = u.Host
			}
			target = u.RequestURI()
		}
	}
	rawPath, rawQuery, _ := strings.Cut(target, "?")
	r.query = rawQuery
	r.path = rawPath
	if p, err := url.PathUnescape(rawPath); err == nil {
		r.path = p
	}
	// a bad escape keeps whatever decoded cleanly
	r.params, _ = url.ParseQuery(rawQuery)

	if r.method == "POST" || r.method == "PUT" || r.method == "PATCH" {
		if mt, _, err := mime.ParseMediaType(hdr.Get("Content-Type")); err == nil && mt == "application/x-www-form-urlencoded" {
			r.isForm = true
		}
	}
	return nil
}

func (r *Request) consume(p []byte) error {
	if r.chunked {
		return r.consumeChunked(p)
	}
	need := r.bodyLen - r.bodyRead
	take := int64(len(p))
	if take > need {
		take = need
	}
	r.keepForm(p[:take])
	r.bodyRead += take
	if take < int64(len(p)) {
		r.rest = append(r.rest, p[take:]...)
	}
	if r.bodyRead == r.bodyLen {
		r.finishBody()
	}
	return nil
}

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// consumeChunked decodes chunk framing incrementally. The body is complete
// only after the last-chunk and the blank line ending the trailer.
func (r *Request) consumeChunked(p []byte) error {
	for len(p) > 0 && !r.bodyDone {
		if r.chunk == chunkData {
			take := min(r.chunkLeft, int64(len(p)))
			r.keepForm(p[:take])
			r.bodyRead += take
			r.chunkLeft -= take
			p = p[take:]
			if r.chunkLeft == 0 {
				r.chunk = chunkDataEnd
			}
			continue
		}

		line, tail, ok, err := r.readLine(p)
		if err != nil {
			return err
		}
		p = tail
		if !ok {
			return nil
		}
		switch r.chunk {
		case chunkSize:
			size, _, _ := strings.Cut(line, ";")
			n, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
			if err != nil || n < 0 {
				return errors.Wrapf(ErrMalformed, errors.KindProtocol, "chunk size %q", line)
			}
			if n == 0 {
				r.chunk = chunkTrailer
			} else {
				r.chunkLeft = n
				r.chunk = chunkData
			}
		case chunkDataEnd:
			if line != "" {
				return errors.Wrap(ErrMalformed, errors.KindProtocol, "chunk data not followed by CRLF")
			}
			r.chunk = chunkSize
		case chunkTrailer:
			if line == "" {
				r.bodyLen = r.bodyRead
				r.finishBody()
			}
		}
	}
	if len(p) > 0 {
		r.rest = append(r.rest, p...)
	}
	return nil
}

// readLine accumulates p up to the next LF. It returns the line without its
// terminator and the bytes after it, or ok false when p held no LF.
func (r *Request) readLine(p []byte) (line string, tail []byte, ok bool, err error) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		r.line = append(r.line, p...)
		if len(r.line) > maxChunkLine {
			return "", nil, false, errors.Wrapf(ErrMalformed, errors.KindProtocol, "chunk line exceeds %d bytes", maxChunkLine)
		}
		return "", nil, false, nil
	}
	r.line = append(r.line, p[:i]...)
	line = strings.TrimSuffix(string(r.line), "\r")
	r.line = r.line[:0]
	return line, p[i+1:], true, nil
}

func (r *Request) keepForm(b []byte) {
	if r.isForm && len(r.form) < maxFormSize {
		r.form = append(r.form, b[:min(len(b), maxFormSize-len(r.form))]...)
	}
}

func (r *Request) finishBody() {
	r.bodyDone = true
	if r.isForm {
		form, _ := url.ParseQuery(string(r.form))
		for k, vs := range form {
			r.params[k] = append(r.params[k], vs...)
		}
	}
}

// HeaderComplete reports whether the request line and headers are parsed.
func (r *Request) HeaderComplete() bool { return r.headerDone }

// BodyComplete reports whether the whole body has been consumed.
func (r *Request) BodyComplete() bool { return r.bodyDone }

func (r *Request) Method() string { return r.method }

// Path is the percent-decoded request path.
func (r *Request) Path() string { return r.path }

// Query is the raw query string without the leading '?'.
func (r *Request) Query() string { return r.query }

func (r *Request) Proto() string { return r.proto }

// Header returns the value of the named header field.
func (r *Request) Header(name string) string { return r.header.Get(name) }

// BodySize is the number of body bytes the request declares, or -1 before
// the header is complete. A chunked body reports -1 until its last chunk
// arrives and its decoded size afterwards.
func (r *Request) BodySize() int64 {
	if !r.headerDone || (r.chunked && !r.bodyDone) {
		return -1
	}
	return r.bodyLen
}

// Chunked reports whether the body uses chunked transfer coding.
func (r *Request) Chunked() bool { return r.chunked }

// URL rebuilds the absolute URL used for rule matching.
func (r *Request) URL() string {
	u := "http://" + r.host + r.path
	if r.query != "" {
		u += "?" + r.query
	}
	return u
}

// Input returns the first value of a query or form parameter.
func (r *Request) Input(name string) (string, bool) {
	vs := r.params[name]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Remaining returns bytes that arrived after the end of the body.
func (r *Request) Remaining() []byte { return r.rest }

// KeepAlive reports whether the client expects the connection to stay open.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if r.proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}
