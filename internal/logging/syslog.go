// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig holds remote syslog configuration.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`     // default 514
	Protocol string `hcl:"protocol,optional"` // udp or tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // 1 = user
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "tunwall",
		Facility: 1,
	}
}

// SyslogWriter is an io.Writer that forwards each write as one RFC 3164 message.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
}

// NewSyslogWriter dials the configured syslog server.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "tunwall"
	}

	conn, err := net.DialTimeout(cfg.Protocol, syslogAddr(cfg), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", syslogAddr(cfg), err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "tunwall"
	}

	return &SyslogWriter{
		conn:     conn,
		config:   cfg,
		hostname: hostname,
	}, nil
}

func syslogAddr(cfg SyslogConfig) string {
	return net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
}

// Write implements io.Writer.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	// severity 6 (info); the level is already part of the formatted line
	priority := w.config.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s: %s", priority, time.Now().Format(time.Stamp), w.hostname, w.config.Tag, p)

	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.reconnect()
		return 0, err
	}
	return len(p), nil
}

func (w *SyslogWriter) reconnect() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	conn, err := net.DialTimeout(w.config.Protocol, syslogAddr(w.config), 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syslog: reconnect failed: %v\n", err)
		return
	}
	w.conn = conn
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// MultiWriter combines multiple writers (e.g. stderr + syslog).
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
