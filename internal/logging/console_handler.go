// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// processName prefixes every console line.
const processName = "tunwall"

// ConsoleHandler is a slog.Handler that writes one human-readable line per record:
//
//	2026-01-02T15:04:05Z tunwall[123]: [info] tcp: flow opened flow=...
type ConsoleHandler struct {
	opts       slog.HandlerOptions
	timeFormat string
	out        io.Writer
	mu         *sync.Mutex
	attrs      []slog.Attr
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions, timeFormat string) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	return &ConsoleHandler{
		out:        out,
		opts:       *opts,
		timeFormat: timeFormat,
		mu:         &sync.Mutex{},
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle formats and writes the record.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = append(buf, t.Format(h.timeFormat)...)
	buf = append(buf, fmt.Sprintf(" %s[%d]: [", processName, os.Getpid())...)
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" {
		buf = append(buf, strings.ToLower(component)...)
		buf = append(buf, ": "...)
	}

	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		buf = append(buf, ' ')
		buf = appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf = append(buf, ' ')
		buf = appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\n\"") {
		return append(buf, fmt.Sprintf("%q", val)...)
	}
	return append(buf, val...)
}

// WithAttrs returns a new handler with the given attributes.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{
		opts:       h.opts,
		timeFormat: h.timeFormat,
		out:        h.out,
		mu:         h.mu,
		attrs:      merged,
	}
}

// WithGroup is a no-op; console output is flat.
func (h *ConsoleHandler) WithGroup(string) slog.Handler {
	return h
}
