// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	t.Run("Levels", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Level: LevelWarn, Output: &buf, JSON: true})

		l.Info("hidden")
		l.Warn("shown")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Error("info should be filtered at warn level")
		}
		if !strings.Contains(out, "shown") {
			t.Error("warn should be logged")
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

		l.Debug("before")
		l.SetLevel(LevelDebug)
		l.Debug("after")

		if l.GetLevel() != LevelDebug {
			t.Errorf("expected debug level, got %v", l.GetLevel())
		}
		out := buf.String()
		if strings.Contains(out, "before") || !strings.Contains(out, "after") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("WithComponent", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Level: LevelInfo, Output: &buf, JSON: true}).WithComponent("tcp")
		l.Info("flow opened", "flow", "a->b")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if entry["component"] != "tcp" {
			t.Errorf("expected component tcp, got %v", entry["component"])
		}
		if entry["flow"] != "a->b" {
			t.Errorf("expected flow field, got %v", entry["flow"])
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Level: LevelInfo, Output: &buf, JSON: true}).WithFields(map[string]any{"proto": "udp"})
		l.Info("x")
		if !strings.Contains(buf.String(), "\"proto\":\"udp\"") {
			t.Errorf("missing field: %s", buf.String())
		}
	})
}

func TestConsoleHandler(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf}).WithComponent("Firewall")
	l.Warn("fail open", "reason", "bad request line")

	line := buf.String()
	if !strings.Contains(line, "tunwall[") {
		t.Errorf("missing process prefix: %q", line)
	}
	if !strings.Contains(line, "[warn] firewall: fail open") {
		t.Errorf("missing level/component/message: %q", line)
	}
	if !strings.Contains(line, "reason=\"bad request line\"") {
		t.Errorf("values with spaces should be quoted: %q", line)
	}
	if strings.Contains(line, "component=") {
		t.Errorf("component should be promoted to the header: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("debug")
	}
	if ParseLevel("ERROR") != LevelError {
		t.Error("error")
	}
	if ParseLevel("nonsense") != LevelInfo {
		t.Error("fallback should be info")
	}
}
