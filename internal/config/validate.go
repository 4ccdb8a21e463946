// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateTun()...)
	errs = append(errs, c.validateFlows()...)
	errs = append(errs, c.validateInspect()...)
	errs = append(errs, c.validateRules()...)
	errs = append(errs, c.validateLogging()...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

func (c *Config) validateTun() ValidationErrors {
	var errs ValidationErrors
	t := c.Tun
	if t == nil {
		return errs
	}
	if len(t.Name) >= 16 {
		errs.add("tun.name", "interface name %q longer than 15 characters", t.Name)
	}
	if t.MTU < 576 || t.MTU > 65535 {
		errs.add("tun.mtu", "must be between 576 and 65535, got %d", t.MTU)
	}
	for i, a := range t.Addresses {
		if ip, _, err := net.ParseCIDR(a); err != nil || ip.To4() == nil {
			errs.add(fmt.Sprintf("tun.addresses[%d]", i), "invalid IPv4 CIDR: %s", a)
		}
	}
	for i, r := range t.Routes {
		if ip, _, err := net.ParseCIDR(r); err != nil || ip.To4() == nil {
			errs.add(fmt.Sprintf("tun.routes[%d]", i), "invalid IPv4 CIDR: %s", r)
		}
	}
	for i, s := range t.DNS {
		if net.ParseIP(s) == nil {
			errs.add(fmt.Sprintf("tun.dns[%d]", i), "invalid IP address: %s", s)
		}
	}
	return errs
}

func (c *Config) validateFlows() ValidationErrors {
	var errs ValidationErrors
	f := c.Flows
	if f == nil {
		return errs
	}
	positive := map[string]int{
		"flows.tcp_capacity":      f.TCPCapacity,
		"flows.udp_capacity":      f.UDPCapacity,
		"flows.queue_depth":       f.QueueDepth,
		"flows.arena_buffers":     f.ArenaBuffers,
		"flows.arena_buffer_size": f.ArenaBufferSize,
	}
	for field, v := range positive {
		if v < 0 {
			errs.add(field, "must not be negative, got %d", v)
		}
	}
	if f.ArenaMax < f.ArenaBuffers {
		errs.add("flows.arena_max", "must be at least arena_buffers (%d), got %d", f.ArenaBuffers, f.ArenaMax)
	}
	if c.Tun != nil && f.ArenaBufferSize < c.Tun.MTU {
		errs.add("flows.arena_buffer_size", "must hold a full packet of tun.mtu %d bytes", c.Tun.MTU)
	}
	durations := map[string]string{
		"flows.idle_timeout":     f.IdleTimeout,
		"flows.cleanup_interval": f.CleanupInterval,
		"flows.connect_timeout":  f.ConnectTimeout,
		"flows.connect_wait":     f.ConnectWait,
		"flows.write_timeout":    f.WriteTimeout,
	}
	for field, v := range durations {
		errs = append(errs, checkDuration(field, v)...)
	}
	return errs
}

func (c *Config) validateInspect() ValidationErrors {
	var errs ValidationErrors
	if c.Inspect == nil {
		return errs
	}
	if c.Inspect.MaxHeaderSize < 0 {
		errs.add("inspect.max_header_size", "must not be negative, got %d", c.Inspect.MaxHeaderSize)
	}
	if c.Inspect.DNSTTL < 0 {
		errs.add("inspect.dns_ttl", "must not be negative, got %d", c.Inspect.DNSTTL)
	}
	return errs
}

func (c *Config) validateRules() ValidationErrors {
	var errs ValidationErrors
	r := c.Rules
	if r == nil {
		return errs
	}
	for _, rule := range r.DNSRules {
		field := fmt.Sprintf("rules.dns_rule[%q]", rule.Pattern)
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs.add(field, "invalid pattern: %v", err)
		}
		for _, a := range rule.A {
			if ip := net.ParseIP(a); ip == nil || ip.To4() == nil {
				errs.add(fmt.Sprintf("%s.a", field), "invalid IPv4 address: %s", a)
			}
		}
		for _, a := range rule.AAAA {
			if ip := net.ParseIP(a); ip == nil || ip.To4() != nil {
				errs.add(fmt.Sprintf("%s.aaaa", field), "invalid IPv6 address: %s", a)
			}
		}
		for _, n := range rule.CNAME {
			if _, ok := dns.IsDomainName(n); !ok {
				errs.add(fmt.Sprintf("%s.cname", field), "invalid domain name: %s", n)
			}
		}
	}
	for _, rule := range r.HTTPRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			errs.add(fmt.Sprintf("rules.http_rule[%q]", rule.Pattern), "invalid pattern: %v", err)
		}
	}
	if feed := r.Feed; feed != nil {
		if u, err := url.Parse(feed.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.add("rules.feed.url", "must be an http(s) URL, got %q", feed.URL)
		}
		if feed.Passphrase == "" {
			errs.add("rules.feed.passphrase", "is required")
		}
		for field, v := range map[string]string{
			"rules.feed.interval":  feed.Interval,
			"rules.feed.jitter":    feed.Jitter,
			"rules.feed.retry_min": feed.RetryMin,
			"rules.feed.retry_max": feed.RetryMax,
			"rules.feed.timeout":   feed.Timeout,
		} {
			errs = append(errs, checkDuration(field, v)...)
		}
	}
	return errs
}

func (c *Config) validateLogging() ValidationErrors {
	var errs ValidationErrors
	l := c.Logging
	if l == nil {
		return errs
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		errs.add("logging.level", "unknown level %q", l.Level)
	}
	if s := l.Syslog; s != nil && s.Enabled {
		if s.Host == "" {
			errs.add("logging.syslog.host", "is required when syslog is enabled")
		}
		if s.Protocol != "udp" && s.Protocol != "tcp" {
			errs.add("logging.syslog.protocol", "must be udp or tcp, got %q", s.Protocol)
		}
		if s.Port <= 0 || s.Port > 65535 {
			errs.add("logging.syslog.port", "invalid port %d", s.Port)
		}
	}
	return errs
}

func checkDuration(field, value string) ValidationErrors {
	var errs ValidationErrors
	d, err := time.ParseDuration(value)
	switch {
	case err != nil:
		errs.add(field, "invalid duration %q", value)
	case d < 0:
		errs.add(field, "must not be negative, got %s", value)
	}
	return errs
}
