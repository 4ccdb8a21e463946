// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnswire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/errors"
)

const (
	pointerMask = 0xC0
	maxPointer  = 0x3fff
	maxLabel    = 63
	maxName     = 255
	// maxHops bounds pointer chains so a malicious loop cannot spin forever.
	maxHops = 32
)

type reader struct {
	msg []byte
	off int
}

func (r *reader) u8() (uint8, error) {
	if r.off+1 > len(r.msg) {
		return 0, ErrShort
	}
	v := r.msg[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.msg) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint16(r.msg[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.msg) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint32(r.msg[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.msg) {
		return nil, ErrShort
	}
	v := r.msg[r.off : r.off+n]
	r.off += n
	return v, nil
}

// name reads a possibly compressed name. After a pointer the read position
// resumes right after the first pointer.
func (r *reader) name() (string, error) {
	var labels []string
	pos := r.off
	resume := -1
	hops := 0
	total := 0

	for {
		if pos >= len(r.msg) {
			return "", ErrShort
		}
		c := r.msg[pos]
		switch {
		case c == 0:
			pos++
			if resume < 0 {
				r.off = pos
			} else {
				r.off = resume
			}
			return strings.Join(labels, "."), nil

		case c&pointerMask == pointerMask:
			if pos+2 > len(r.msg) {
				return "", ErrShort
			}
			target := int(binary.BigEndian.Uint16(r.msg[pos:]) & maxPointer)
			// pointers must go backwards
			if target >= pos {
				return "", ErrPointer
			}
			hops++
			if hops > maxHops {
				return "", ErrPointer
			}
			if resume < 0 {
				resume = pos + 2
			}
			pos = target

		case c&pointerMask != 0:
			// 0x40 and 0x80 label types are reserved
			return "", ErrName

		default:
			n := int(c)
			if pos+1+n > len(r.msg) {
				return "", ErrShort
			}
			total += n + 1
			if total > maxName {
				return "", ErrName
			}
			labels = append(labels, string(r.msg[pos+1:pos+1+n]))
			pos += 1 + n
		}
	}
}

func (r *reader) question() (Question, error) {
	var q Question
	var err error
	if q.Name, err = r.name(); err != nil {
		return q, err
	}
	if q.Type, err = r.u16(); err != nil {
		return q, err
	}
	if q.Class, err = r.u16(); err != nil {
		return q, err
	}
	return q, nil
}

func (r *reader) record() (Record, error) {
	var rr Record
	var err error
	if rr.Name, err = r.name(); err != nil {
		return rr, err
	}
	if rr.Type, err = r.u16(); err != nil {
		return rr, err
	}
	if rr.Class, err = r.u16(); err != nil {
		return rr, err
	}
	if rr.TTL, err = r.u32(); err != nil {
		return rr, err
	}
	rdlen, err := r.u16()
	if err != nil {
		return rr, err
	}
	start := r.off
	end := start + int(rdlen)
	if end > len(r.msg) {
		return rr, ErrShort
	}

	if err := r.rdata(&rr, end); err != nil {
		return rr, err
	}
	if r.off != end {
		return rr, errors.Wrapf(ErrRdata, errors.KindProtocol, "%s rdata length %d, consumed %d", TypeString(rr.Type), rdlen, r.off-start)
	}
	return rr, nil
}

func (r *reader) rdata(rr *Record, end int) error {
	n := end - r.off
	switch rr.Type {
	case dns.TypeA, dns.TypeAAAA:
		want := net.IPv4len
		if rr.Type == dns.TypeAAAA {
			want = net.IPv6len
		}
		if n != want {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "%s address length %d", TypeString(rr.Type), n)
		}
		b, _ := r.bytes(n)
		rr.Data = net.IP(b).String()

	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		name, err := r.name()
		if err != nil {
			return err
		}
		rr.Data = name

	case dns.TypeMX:
		pref, err := r.u16()
		if err != nil {
			return err
		}
		name, err := r.name()
		if err != nil {
			return err
		}
		rr.Data = fmt.Sprintf("%d %s", pref, name)

	case dns.TypeSRV:
		var v [3]uint16
		for i := range v {
			x, err := r.u16()
			if err != nil {
				return err
			}
			v[i] = x
		}
		name, err := r.name()
		if err != nil {
			return err
		}
		rr.Data = fmt.Sprintf("%d %d %d %s", v[0], v[1], v[2], name)

	case dns.TypeSOA:
		mname, err := r.name()
		if err != nil {
			return err
		}
		rname, err := r.name()
		if err != nil {
			return err
		}
		var v [5]uint32
		for i := range v {
			x, err := r.u32()
			if err != nil {
				return err
			}
			v[i] = x
		}
		rr.Data = fmt.Sprintf("%s %s %d %d %d %d %d", mname, rname, v[0], v[1], v[2], v[3], v[4])

	case dns.TypeTXT:
		var sb strings.Builder
		for r.off < end {
			l, err := r.u8()
			if err != nil {
				return err
			}
			b, err := r.bytes(int(l))
			if err != nil || r.off > end {
				return ErrRdata
			}
			sb.Write(b)
		}
		rr.Data = sb.String()

	default:
		b, _ := r.bytes(n)
		rr.Raw = bytes.Clone(b)
	}
	return nil
}
