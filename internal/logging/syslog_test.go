// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Enabled {
		t.Error("Default should be disabled")
	}
	if cfg.Port != 514 {
		t.Errorf("Expected port 514, got %d", cfg.Port)
	}
	if cfg.Protocol != "udp" {
		t.Errorf("Expected protocol udp, got %s", cfg.Protocol)
	}
	if cfg.Tag != "tunwall" {
		t.Errorf("Expected tag tunwall, got %s", cfg.Tag)
	}
	if cfg.Facility != 1 {
		t.Errorf("Expected facility 1, got %d", cfg.Facility)
	}
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{Enabled: true})
	if err == nil {
		t.Error("Expected error for missing host")
	}
}

func TestSyslogWriter_SendsRFC3164(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen on udp: %v", err)
	}
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	w, err := NewSyslogWriter(SyslogConfig{Host: "127.0.0.1", Port: addr.Port, Facility: 1})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("flow opened")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 512)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	msg := string(buf[:n])
	if !strings.HasPrefix(msg, "<14>") {
		t.Errorf("expected priority <14>, got %q", msg)
	}
	if !strings.Contains(msg, "tunwall: flow opened") {
		t.Errorf("expected tag and message, got %q", msg)
	}
}

func TestSyslogWriter_WriteAfterClose(t *testing.T) {
	w := &SyslogWriter{config: DefaultSyslogConfig()}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("expected error writing to closed writer")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close on closed writer: %v", err)
	}
}
