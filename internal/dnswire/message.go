// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnswire reads and writes DNS messages in wire format, including
// label compression. Names are carried without the trailing root dot.
package dnswire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/errors"
)

// HeaderSize is the fixed size of the DNS header.
const HeaderSize = 12

const (
	OpcodeQuery  = dns.OpcodeQuery
	OpcodeIQuery = dns.OpcodeIQuery
	OpcodeStatus = dns.OpcodeStatus

	RcodeSuccess        = dns.RcodeSuccess
	RcodeFormatError    = dns.RcodeFormatError
	RcodeServerFailure  = dns.RcodeServerFailure
	RcodeNameError      = dns.RcodeNameError
	RcodeNotImplemented = dns.RcodeNotImplemented
	RcodeRefused        = dns.RcodeRefused

	ClassINET = dns.ClassINET
)

var (
	ErrShort   = errors.New(errors.KindProtocol, "dns message truncated")
	ErrPointer = errors.New(errors.KindProtocol, "dns compression pointer invalid")
	ErrName    = errors.New(errors.KindProtocol, "dns name invalid")
	ErrRdata   = errors.New(errors.KindProtocol, "dns record data invalid")
)

// Header is the 12-byte message header with the flags word decomposed.
type Header struct {
	ID                 uint16
	Response           bool
	Opcode             uint8
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	Z                  uint8
	Rcode              uint8

	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h *Header) flags() uint16 {
	var f uint16
	if h.Response {
		f |= 1 << 15
	}
	f |= uint16(h.Opcode&0xf) << 11
	if h.Authoritative {
		f |= 1 << 10
	}
	if h.Truncated {
		f |= 1 << 9
	}
	if h.RecursionDesired {
		f |= 1 << 8
	}
	if h.RecursionAvailable {
		f |= 1 << 7
	}
	f |= uint16(h.Z&0x7) << 4
	f |= uint16(h.Rcode & 0xf)
	return f
}

func (h *Header) setFlags(f uint16) {
	h.Response = f>>15&1 == 1
	h.Opcode = uint8(f >> 11 & 0xf)
	h.Authoritative = f>>10&1 == 1
	h.Truncated = f>>9&1 == 1
	h.RecursionDesired = f>>8&1 == 1
	h.RecursionAvailable = f>>7&1 == 1
	h.Z = uint8(f >> 4 & 0x7)
	h.Rcode = uint8(f & 0xf)
}

// ReadHeader decodes only the header of b.
func ReadHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShort
	}
	h.ID = binary.BigEndian.Uint16(b[0:])
	h.setFlags(binary.BigEndian.Uint16(b[2:]))
	h.QDCount = binary.BigEndian.Uint16(b[4:])
	h.ANCount = binary.BigEndian.Uint16(b[6:])
	h.NSCount = binary.BigEndian.Uint16(b[8:])
	h.ARCount = binary.BigEndian.Uint16(b[10:])
	return h, nil
}

// Question is one entry of the question section.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

func (q Question) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, TypeString(q.Type), dns.Class(q.Class))
}

// Record is a resource record. Data holds the presentation form for the
// types this package understands (A, AAAA, CNAME, NS, PTR, MX, TXT, SOA, SRV);
// every other type keeps its rdata verbatim in Raw.
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  string
	Raw   []byte
}

// Message is a complete DNS message.
type Message struct {
	Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

// TypeString names a record type, e.g. "AAAA".
func TypeString(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", t)
}

// ParseType maps a type name to its code.
func ParseType(s string) (uint16, bool) {
	t, ok := dns.StringToType[strings.ToUpper(s)]
	return t, ok
}

// Unpack decodes a complete message.
func Unpack(b []byte) (*Message, error) {
	h, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: h}
	r := &reader{msg: b, off: HeaderSize}

	for i := 0; i < int(h.QDCount); i++ {
		q, err := r.question()
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindProtocol, "question %d", i)
		}
		m.Questions = append(m.Questions, q)
	}
	sections := []struct {
		count uint16
		dst   *[]Record
		name  string
	}{
		{h.ANCount, &m.Answers, "answer"},
		{h.NSCount, &m.Authorities, "authority"},
		{h.ARCount, &m.Additionals, "additional"},
	}
	for _, s := range sections {
		for i := 0; i < int(s.count); i++ {
			rr, err := r.record()
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindProtocol, "%s %d", s.name, i)
			}
			*s.dst = append(*s.dst, rr)
		}
	}
	return m, nil
}

// Pack encodes the message with name compression. Section counts are taken
// from the slices, not from the header fields.
func (m *Message) Pack() ([]byte, error) {
	return m.pack(true)
}

func (m *Message) pack(compress bool) ([]byte, error) {
	if len(m.Questions) > 0xffff || len(m.Answers) > 0xffff || len(m.Authorities) > 0xffff || len(m.Additionals) > 0xffff {
		return nil, errors.New(errors.KindValidation, "dns section too large")
	}
	m.QDCount = uint16(len(m.Questions))
	m.ANCount = uint16(len(m.Answers))
	m.NSCount = uint16(len(m.Authorities))
	m.ARCount = uint16(len(m.Additionals))

	w := newWriter(compress)
	w.u16(m.ID)
	w.u16(m.flags())
	w.u16(m.QDCount)
	w.u16(m.ANCount)
	w.u16(m.NSCount)
	w.u16(m.ARCount)

	for _, q := range m.Questions {
		if err := w.name(q.Name); err != nil {
			return nil, err
		}
		w.u16(q.Type)
		w.u16(q.Class)
	}
	for _, section := range [][]Record{m.Answers, m.Authorities, m.Additionals} {
		for _, rr := range section {
			if err := w.record(rr); err != nil {
				return nil, err
			}
		}
	}
	return w.buf, nil
}

// Maybe reports whether b looks like a DNS query: the query/response bit is
// clear, at least one question is present and the whole message parses.
func Maybe(b []byte) bool {
	h, err := ReadHeader(b)
	if err != nil || h.Response || h.QDCount == 0 {
		return false
	}
	_, err = Unpack(b)
	return err == nil
}

// NewResponse answers req's first question with one record per value.
// Recursion bits are set only when the query asked for recursion.
func NewResponse(req *Message, qtype uint16, values []string, ttl uint32) *Message {
	name := ""
	if len(req.Questions) > 0 {
		name = req.Questions[0].Name
	}
	resp := &Message{
		Header: Header{
			ID:       req.ID,
			Response: true,
			Opcode:   req.Opcode,
			Rcode:    RcodeSuccess,
		},
		Questions: []Question{{Name: name, Type: qtype, Class: ClassINET}},
	}
	if req.RecursionDesired {
		resp.RecursionDesired = true
		resp.RecursionAvailable = true
	}
	for _, v := range values {
		resp.Answers = append(resp.Answers, Record{
			Name:  name,
			Type:  qtype,
			Class: ClassINET,
			TTL:   ttl,
			Data:  v,
		})
	}
	return resp
}
