// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnswire

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/errors"
)

// writer appends wire data and remembers the offset of every name suffix it
// has written so later names can point at it.
type writer struct {
	buf      []byte
	compress bool
	names    map[string]int
}

func newWriter(compress bool) *writer {
	return &writer{
		buf:      make([]byte, 0, 512),
		compress: compress,
		names:    make(map[string]int),
	}
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func splitName(name string) ([]string, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, nil
	}
	labels := strings.Split(name, ".")
	total := 1
	for _, l := range labels {
		if l == "" || len(l) > maxLabel {
			return nil, errors.Wrapf(ErrName, errors.KindProtocol, "label %q", l)
		}
		total += len(l) + 1
	}
	if total > maxName {
		return nil, errors.Wrapf(ErrName, errors.KindProtocol, "name %d bytes", total)
	}
	return labels, nil
}

// name writes name literally until the first suffix already present in the
// dictionary, which is replaced by a two byte pointer.
func (w *writer) name(name string) error {
	labels, err := splitName(name)
	if err != nil {
		return err
	}
	for i := range labels {
		suffix := strings.ToLower(strings.Join(labels[i:], "."))
		if w.compress {
			if off, ok := w.names[suffix]; ok {
				w.u16(uint16(off) | pointerMask<<8)
				return nil
			}
			if len(w.buf) <= maxPointer {
				w.names[suffix] = len(w.buf)
			}
		}
		w.u8(uint8(len(labels[i])))
		w.buf = append(w.buf, labels[i]...)
	}
	w.u8(0)
	return nil
}

func (w *writer) record(rr Record) error {
	if err := w.name(rr.Name); err != nil {
		return err
	}
	w.u16(rr.Type)
	w.u16(rr.Class)
	w.u32(rr.TTL)

	// rdlength is patched once the rdata is written
	lenAt := len(w.buf)
	w.u16(0)
	if err := w.rdata(rr); err != nil {
		return errors.Wrapf(err, errors.KindProtocol, "%s %s", rr.Name, TypeString(rr.Type))
	}
	rdlen := len(w.buf) - lenAt - 2
	if rdlen > 0xffff {
		return errors.Wrapf(ErrRdata, errors.KindProtocol, "rdata %d bytes", rdlen)
	}
	binary.BigEndian.PutUint16(w.buf[lenAt:], uint16(rdlen))
	return nil
}

func (w *writer) rdata(rr Record) error {
	if rr.Raw != nil {
		w.buf = append(w.buf, rr.Raw...)
		return nil
	}
	switch rr.Type {
	case dns.TypeA:
		ip := net.ParseIP(rr.Data).To4()
		if ip == nil {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "not an IPv4 address: %q", rr.Data)
		}
		w.buf = append(w.buf, ip...)

	case dns.TypeAAAA:
		ip := net.ParseIP(rr.Data)
		if ip == nil || ip.To4() != nil {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "not an IPv6 address: %q", rr.Data)
		}
		w.buf = append(w.buf, ip.To16()...)

	case dns.TypeCNAME, dns.TypeNS, dns.TypePTR:
		return w.name(rr.Data)

	case dns.TypeMX:
		var pref uint16
		var host string
		if _, err := fmt.Sscanf(rr.Data, "%d %s", &pref, &host); err != nil {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "mx %q", rr.Data)
		}
		w.u16(pref)
		return w.name(host)

	case dns.TypeSRV:
		var prio, weight, port uint16
		var target string
		if _, err := fmt.Sscanf(rr.Data, "%d %d %d %s", &prio, &weight, &port, &target); err != nil {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "srv %q", rr.Data)
		}
		w.u16(prio)
		w.u16(weight)
		w.u16(port)
		return w.name(target)

	case dns.TypeSOA:
		var mname, rname string
		var v [5]uint32
		if _, err := fmt.Sscanf(rr.Data, "%s %s %d %d %d %d %d", &mname, &rname, &v[0], &v[1], &v[2], &v[3], &v[4]); err != nil {
			return errors.Wrapf(ErrRdata, errors.KindProtocol, "soa %q", rr.Data)
		}
		if err := w.name(mname); err != nil {
			return err
		}
		if err := w.name(rname); err != nil {
			return err
		}
		for _, x := range v {
			w.u32(x)
		}

	case dns.TypeTXT:
		s := rr.Data
		for {
			n := min(len(s), 255)
			w.u8(uint8(n))
			w.buf = append(w.buf, s[:n]...)
			s = s[n:]
			if len(s) == 0 {
				break
			}
		}

	default:
		return errors.Wrapf(ErrRdata, errors.KindProtocol, "no rdata for type %s", TypeString(rr.Type))
	}
	return nil
}
