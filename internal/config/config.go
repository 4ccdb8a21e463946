// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the HCL configuration file.
package config

import "time"

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level configuration. Every block is optional; missing
// values are filled from DefaultConfig by ApplyDefaults.
type Config struct {
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Tun     *TunConfig     `hcl:"tun,block" json:"tun,omitempty"`
	Flows   *FlowsConfig   `hcl:"flows,block" json:"flows,omitempty"`
	Inspect *InspectConfig `hcl:"inspect,block" json:"inspect,omitempty"`
	Rules   *RulesConfig   `hcl:"rules,block" json:"rules,omitempty"`
	Metrics *MetricsConfig `hcl:"metrics,block" json:"metrics,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
}

// TunConfig describes the virtual interface.
type TunConfig struct {
	// @default: "tun0"
	Name string `hcl:"name,optional" json:"name,omitempty"`
	// @default: 1500
	MTU int `hcl:"mtu,optional" json:"mtu,omitempty"`
	// Addresses assigned to the interface, in CIDR notation.
	// @default: ["10.0.0.2/32"]
	Addresses []string `hcl:"addresses,optional" json:"addresses,omitempty"`
	// Routes sent through the interface.
	// @default: ["0.0.0.0/0"]
	Routes []string `hcl:"routes,optional" json:"routes,omitempty"`
	// DNS servers announced to the host.
	// @default: ["223.5.5.5", "8.8.8.8"]
	DNS []string `hcl:"dns,optional" json:"dns,omitempty"`
}

// FlowsConfig sizes the flow tables and buffers.
type FlowsConfig struct {
	// @default: 50
	TCPCapacity int `hcl:"tcp_capacity,optional" json:"tcp_capacity,omitempty"`
	// @default: 50
	UDPCapacity int `hcl:"udp_capacity,optional" json:"udp_capacity,omitempty"`
	// @default: "5m"
	IdleTimeout string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	// @default: "1m"
	CleanupInterval string `hcl:"cleanup_interval,optional" json:"cleanup_interval,omitempty"`
	// @default: "10s"
	ConnectTimeout string `hcl:"connect_timeout,optional" json:"connect_timeout,omitempty"`
	// How long a SYN waits for the outbound connect before it is answered
	// asynchronously.
	// @default: "0s"
	ConnectWait string `hcl:"connect_wait,optional" json:"connect_wait,omitempty"`
	// @default: "10s"
	WriteTimeout string `hcl:"write_timeout,optional" json:"write_timeout,omitempty"`
	// @default: 1024
	QueueDepth int `hcl:"queue_depth,optional" json:"queue_depth,omitempty"`
	// @default: 256
	ArenaBuffers int `hcl:"arena_buffers,optional" json:"arena_buffers,omitempty"`
	// @default: 16384
	ArenaBufferSize int `hcl:"arena_buffer_size,optional" json:"arena_buffer_size,omitempty"`
	// Upper bound the arena may grow to.
	// @default: 4096
	ArenaMax int `hcl:"arena_max,optional" json:"arena_max,omitempty"`
}

// InspectConfig tunes the HTTP and DNS inspectors.
type InspectConfig struct {
	// @default: 8192
	MaxHeaderSize int `hcl:"max_header_size,optional" json:"max_header_size,omitempty"`
	// @default: 10
	DNSTTL int `hcl:"dns_ttl,optional" json:"dns_ttl,omitempty"`
}

// RulesConfig lists the local rule sources and the remote feed.
type RulesConfig struct {
	// JSON or YAML rule file.
	File      string      `hcl:"file,optional" json:"file,omitempty"`
	Feed      *FeedConfig `hcl:"feed,block" json:"feed,omitempty"`
	DNSRules  []DNSRule   `hcl:"dns_rule,block" json:"dns_rule,omitempty"`
	HTTPRules []HTTPRule  `hcl:"http_rule,block" json:"http_rule,omitempty"`
}

// FeedConfig configures the encrypted rule feed.
type FeedConfig struct {
	URL        string `hcl:"url" json:"url"`
	Passphrase string `hcl:"passphrase" json:"-"`
	Salt       string `hcl:"salt,optional" json:"salt,omitempty"`
	DeviceID   string `hcl:"device_id,optional" json:"device_id,omitempty"`
	// @default: "55s"
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
	// @default: "10s"
	Jitter string `hcl:"jitter,optional" json:"jitter,omitempty"`
	// @default: "5s"
	RetryMin string `hcl:"retry_min,optional" json:"retry_min,omitempty"`
	// @default: "5m"
	RetryMax string `hcl:"retry_max,optional" json:"retry_max,omitempty"`
	// @default: "30s"
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// DNSRule substitutes answers for names matching Pattern.
type DNSRule struct {
	Pattern string   `hcl:"pattern,label" json:"pattern"`
	A       []string `hcl:"a,optional" json:"a,omitempty"`
	AAAA    []string `hcl:"aaaa,optional" json:"aaaa,omitempty"`
	CNAME   []string `hcl:"cname,optional" json:"cname,omitempty"`
}

// HTTPRule answers requests whose URL matches Pattern.
type HTTPRule struct {
	Pattern string `hcl:"pattern,label" json:"pattern"`
	GET     string `hcl:"get,optional" json:"get,omitempty"`
	POST    string `hcl:"post,optional" json:"post,omitempty"`
	PUT     string `hcl:"put,optional" json:"put,omitempty"`
	DELETE  string `hcl:"delete,optional" json:"delete,omitempty"`
}

// MetricsConfig enables the status and metrics listener.
type MetricsConfig struct {
	// Address to serve /status and /metrics on, e.g. "127.0.0.1:9180".
	// Empty disables the listener.
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// @enum: debug, info, warn, error
	// @default: "info"
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool          `hcl:"json,optional" json:"json,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards logs to a remote syslog server.
type SyslogConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host    string `hcl:"host,optional" json:"host,omitempty"`
	// @default: 514
	Port int `hcl:"port,optional" json:"port,omitempty"`
	// @enum: udp, tcp
	// @default: "udp"
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	// @default: "tunwall"
	Tag string `hcl:"tag,optional" json:"tag,omitempty"`
	// @default: 1
	Facility int `hcl:"facility,optional" json:"facility,omitempty"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Tun: &TunConfig{
			Name:      "tun0",
			MTU:       1500,
			Addresses: []string{"10.0.0.2/32"},
			Routes:    []string{"0.0.0.0/0"},
			DNS:       []string{"223.5.5.5", "8.8.8.8"},
		},
		Flows: &FlowsConfig{
			TCPCapacity:     50,
			UDPCapacity:     50,
			IdleTimeout:     "5m",
			CleanupInterval: "1m",
			ConnectTimeout:  "10s",
			ConnectWait:     "0s",
			WriteTimeout:    "10s",
			QueueDepth:      1024,
			ArenaBuffers:    256,
			ArenaBufferSize: 16384,
			ArenaMax:        4096,
		},
		Inspect: &InspectConfig{
			MaxHeaderSize: 8192,
			DNSTTL:        10,
		},
		Rules:   &RulesConfig{},
		Metrics: &MetricsConfig{},
		Logging: &LoggingConfig{
			Level: "info",
		},
	}
}

func defaultFeed() FeedConfig {
	return FeedConfig{
		Interval: "55s",
		Jitter:   "10s",
		RetryMin: "5s",
		RetryMax: "5m",
		Timeout:  "30s",
	}
}

func defaultSyslog() SyslogConfig {
	return SyslogConfig{Port: 514, Protocol: "udp", Tag: "tunwall", Facility: 1}
}

// ApplyDefaults fills every unset value from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	setString(&c.SchemaVersion, d.SchemaVersion)

	if c.Tun == nil {
		c.Tun = d.Tun
	} else {
		setString(&c.Tun.Name, d.Tun.Name)
		setInt(&c.Tun.MTU, d.Tun.MTU)
		setStrings(&c.Tun.Addresses, d.Tun.Addresses)
		setStrings(&c.Tun.Routes, d.Tun.Routes)
		setStrings(&c.Tun.DNS, d.Tun.DNS)
	}

	if c.Flows == nil {
		c.Flows = d.Flows
	} else {
		f, df := c.Flows, d.Flows
		setInt(&f.TCPCapacity, df.TCPCapacity)
		setInt(&f.UDPCapacity, df.UDPCapacity)
		setString(&f.IdleTimeout, df.IdleTimeout)
		setString(&f.CleanupInterval, df.CleanupInterval)
		setString(&f.ConnectTimeout, df.ConnectTimeout)
		setString(&f.ConnectWait, df.ConnectWait)
		setString(&f.WriteTimeout, df.WriteTimeout)
		setInt(&f.QueueDepth, df.QueueDepth)
		setInt(&f.ArenaBuffers, df.ArenaBuffers)
		setInt(&f.ArenaBufferSize, df.ArenaBufferSize)
		setInt(&f.ArenaMax, df.ArenaMax)
	}

	if c.Inspect == nil {
		c.Inspect = d.Inspect
	} else {
		setInt(&c.Inspect.MaxHeaderSize, d.Inspect.MaxHeaderSize)
		setInt(&c.Inspect.DNSTTL, d.Inspect.DNSTTL)
	}

	if c.Rules == nil {
		c.Rules = d.Rules
	}
	if feed := c.Rules.Feed; feed != nil {
		df := defaultFeed()
		setString(&feed.Interval, df.Interval)
		setString(&feed.Jitter, df.Jitter)
		setString(&feed.RetryMin, df.RetryMin)
		setString(&feed.RetryMax, df.RetryMax)
		setString(&feed.Timeout, df.Timeout)
	}

	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}

	if c.Logging == nil {
		c.Logging = d.Logging
	}
	setString(&c.Logging.Level, d.Logging.Level)
	if s := c.Logging.Syslog; s != nil {
		ds := defaultSyslog()
		setInt(&s.Port, ds.Port)
		setString(&s.Protocol, ds.Protocol)
		setString(&s.Tag, ds.Tag)
		setInt(&s.Facility, ds.Facility)
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setStrings(dst *[]string, def []string) {
	if len(*dst) == 0 {
		*dst = append([]string(nil), def...)
	}
}

// Duration parses a duration field. Empty values yield def.
func Duration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}
