// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"io"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindProtocol, "bad request line")
	if err.Error() != "bad request line" {
		t.Errorf("expected 'bad request line', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "inspect")
	if wrapped.Error() != "inspect: bad request line" {
		t.Errorf("expected 'inspect: bad request line', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindLimit, "header too large")
	if GetKind(err) != KindLimit {
		t.Errorf("expected KindLimit, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindProtocol, "http")
	if GetKind(wrapped) != KindProtocol {
		t.Errorf("expected KindProtocol, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsKind(t *testing.T) {
	inner := New(KindLimit, "header too large")
	outer := Wrap(inner, KindProtocol, "http")

	if !IsKind(outer, KindProtocol) {
		t.Error("outer kind not found")
	}
	if !IsKind(outer, KindLimit) {
		t.Error("inner kind not found")
	}
	if IsKind(outer, KindIO) {
		t.Error("unexpected KindIO")
	}
	if IsKind(io.EOF, KindIO) {
		t.Error("plain errors carry no kind")
	}
	if IsKind(nil, KindIO) {
		t.Error("nil carries no kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindIO, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, KindIO, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindIO, "connect refused")
	err = Attr(err, "flow", "10.0.0.2:4000->1.1.1.1:80/tcp")
	err = Attr(err, "state", "SYN_SENT")

	attrs := GetAttributes(err)
	if attrs["flow"] != "10.0.0.2:4000->1.1.1.1:80/tcp" {
		t.Errorf("expected flow attr, got %v", attrs["flow"])
	}
	if attrs["state"] != "SYN_SENT" {
		t.Errorf("expected SYN_SENT, got %v", attrs["state"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "dial")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["flow"] == nil || allAttrs["operation"] != "dial" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestIs(t *testing.T) {
	base := io.ErrUnexpectedEOF
	wrapped := Wrap(base, KindProtocol, "truncated")
	if !Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("Is should see through Wrap")
	}
	var e *Error
	if !As(wrapped, &e) || e.Kind != KindProtocol {
		t.Error("As should find *Error")
	}
	if Unwrap(wrapped) != base {
		t.Error("Unwrap should return underlying")
	}
}
