// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"net"
	"regexp"
	"sort"
	"time"

	"github.com/miekg/dns"

	"grimm.is/tunwall/internal/errors"
)

type dnsRule struct {
	pattern string
	re      *regexp.Regexp
	answers DNSAnswers
}

type httpRule struct {
	pattern   string
	re        *regexp.Regexp
	templates HTTPTemplates
}

// Snapshot is an immutable compiled grid. Patterns are tried in sorted order
// and the first pattern that matches decides.
type Snapshot struct {
	dns  []dnsRule
	http []httpRule

	Source   string
	Version  uint64
	Compiled time.Time
}

// Compile validates g and compiles its patterns case-insensitively.
func Compile(g *Grid, source string) (*Snapshot, error) {
	s := &Snapshot{Source: source, Compiled: time.Now()}
	if g == nil {
		return s, nil
	}

	for _, p := range sortedKeys(g.DNS) {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Attr(errors.Wrapf(err, errors.KindValidation, "dns pattern %q", p), "source", source)
		}
		a := g.DNS[p]
		if err := validateAnswers(a); err != nil {
			return nil, errors.Attr(errors.Wrapf(err, errors.KindValidation, "dns pattern %q", p), "source", source)
		}
		s.dns = append(s.dns, dnsRule{pattern: p, re: re, answers: a})
	}
	for _, p := range sortedKeys(g.HTTP) {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.Attr(errors.Wrapf(err, errors.KindValidation, "http pattern %q", p), "source", source)
		}
		s.http = append(s.http, httpRule{pattern: p, re: re, templates: g.HTTP[p]})
	}
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateAnswers(a DNSAnswers) error {
	for _, v := range a.A {
		if ip := net.ParseIP(v); ip == nil || ip.To4() == nil {
			return errors.Errorf(errors.KindValidation, "A answer %q is not an IPv4 address", v)
		}
	}
	for _, v := range a.AAAA {
		if ip := net.ParseIP(v); ip == nil || ip.To4() != nil {
			return errors.Errorf(errors.KindValidation, "AAAA answer %q is not an IPv6 address", v)
		}
	}
	for _, v := range a.CNAME {
		if _, ok := dns.IsDomainName(v); !ok {
			return errors.Errorf(errors.KindValidation, "CNAME answer %q is not a domain name", v)
		}
	}
	return nil
}

// MatchDNS returns the substitute answers for a question, or nil.
func (s *Snapshot) MatchDNS(name string, qtype uint16) []string {
	if s == nil {
		return nil
	}
	for _, r := range s.dns {
		if !r.re.MatchString(name) {
			continue
		}
		switch qtype {
		case dns.TypeA:
			return nonEmpty(r.answers.A)
		case dns.TypeAAAA:
			return nonEmpty(r.answers.AAAA)
		case dns.TypeCNAME:
			return nonEmpty(r.answers.CNAME)
		}
		return nil
	}
	return nil
}

func nonEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}

// MatchHTTP returns the response template for a request, if any.
func (s *Snapshot) MatchHTTP(url, method string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, r := range s.http {
		if !r.re.MatchString(url) {
			continue
		}
		tpl := r.templates.Template(method)
		return tpl, tpl != ""
	}
	return "", false
}

// Counts returns the number of DNS and HTTP patterns.
func (s *Snapshot) Counts() (dnsRules, httpRules int) {
	if s == nil {
		return 0, 0
	}
	return len(s.dns), len(s.http)
}
