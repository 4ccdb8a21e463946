// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package buffer owns the packet buffers that move between the device reader,
// the flow workers and the device writer.
//
// A buffer is addressed by a Handle (slot index plus generation). Exactly one
// component owns a handle at a time: Acquire hands out ownership, pushing a
// handle onto a Queue moves it, and Release gives it back. Any use of a handle
// after Release fails with ErrStaleHandle because the slot generation has moved on.
package buffer

import (
	"sync"

	"grimm.is/tunwall/internal/errors"
)

var (
	ErrStaleHandle = errors.New(errors.KindConflict, "buffer handle is stale")
	ErrExhausted   = errors.New(errors.KindUnavailable, "buffer arena exhausted")
	ErrTooLarge    = errors.New(errors.KindLimit, "payload exceeds buffer size")
)

// Handle refers to one arena slot. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

type slot struct {
	buf  []byte
	n    int
	gen  uint32
	live bool
}

// Arena is a slab of fixed-size buffers.
type Arena struct {
	mu    sync.Mutex
	size  int
	max   int
	slots []slot
	free  []uint32
	live  int
}

// NewArena preallocates prealloc buffers of size bytes and grows on demand up
// to max buffers. max <= 0 means unbounded.
func NewArena(size, prealloc, max int) *Arena {
	a := &Arena{size: size, max: max}
	for i := 0; i < prealloc; i++ {
		a.slots = append(a.slots, slot{buf: make([]byte, size)})
		a.free = append(a.free, uint32(i))
	}
	return a
}

// Size is the capacity of every buffer in the arena.
func (a *Arena) Size() int { return a.size }

// Acquire takes ownership of an empty buffer.
func (a *Arena) Acquire() (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.max > 0 && len(a.slots) >= a.max {
			return Handle{}, ErrExhausted
		}
		a.slots = append(a.slots, slot{buf: make([]byte, a.size)})
		idx = uint32(len(a.slots) - 1)
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.n = 0
	a.live++
	return Handle{index: idx, gen: s.gen}, nil
}

func (a *Arena) lookup(h Handle) (*slot, error) {
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil, ErrStaleHandle
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// Bytes returns the filled part of the buffer.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.buf[:s.n], nil
}

// Full returns the whole buffer for reading into. Call SetLen afterwards.
func (a *Arena) Full(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.buf, nil
}

// SetLen records how many bytes of the buffer are filled.
func (a *Arena) SetLen(h Handle, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	if n < 0 || n > len(s.buf) {
		return ErrTooLarge
	}
	s.n = n
	return nil
}

// Fill copies b into the buffer and sets its length.
func (a *Arena) Fill(h Handle, b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	if len(b) > len(s.buf) {
		return ErrTooLarge
	}
	s.n = copy(s.buf, b)
	return nil
}

// Release returns ownership of the buffer to the arena.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.live = false
	s.n = 0
	a.free = append(a.free, h.index)
	a.live--
	return nil
}

// Stats reports buffers currently owned and buffers allocated.
func (a *Arena) Stats() (live, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live, len(a.slots)
}
