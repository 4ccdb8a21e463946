// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package httpstream

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`(?i)\$\{input\.([a-z0-9_.]*)\}`)

// Render substitutes every ${input.<name>} in tpl with the value returned
// by input. Placeholders with no value are left untouched.
func Render(tpl string, input func(name string) (string, bool)) string {
	if !strings.Contains(tpl, "${") {
		return tpl
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if v, ok := input(sub[1]); ok {
			return v
		}
		return m
	})
}

// ContentType guesses the media type of a synthesized body.
func ContentType(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/html; charset=utf-8"
}

// NewFixedLengthResponse frames body as a complete 200 response.
func NewFixedLengthResponse(body string, keepAlive bool) []byte {
	h := http.Header{}
	h.Set("Content-Type", ContentType(body))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", http.StatusOK, http.StatusText(http.StatusOK))
	_ = h.Write(&buf)
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}
