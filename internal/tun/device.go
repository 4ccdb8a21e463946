// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tun provides the virtual network interface packets are captured
// from and written back to.
package tun

import (
	"io"
	"sync"

	"grimm.is/tunwall/internal/errors"
)

// Device reads and writes whole IPv4 packets, one per call.
type Device interface {
	io.ReadWriteCloser
	Name() string
	MTU() int
}

// Config describes the interface to create.
type Config struct {
	Name string
	MTU  int
	// Addresses in CIDR notation assigned to the interface.
	Addresses []string
	// Routes in CIDR notation sent through the interface.
	Routes []string
}

// DefaultConfig returns the default interface configuration.
func DefaultConfig() Config {
	return Config{
		Name:      "tun0",
		MTU:       1500,
		Addresses: []string{"10.0.0.2/32"},
		Routes:    []string{"0.0.0.0/0"},
	}
}

// ErrClosed is returned by operations on a closed device.
var ErrClosed = errors.New(errors.KindUnavailable, "tun device closed")

// Memory is an in-process Device. Packets passed to Inject are returned by
// Read; packets passed to Write are delivered on Written.
type Memory struct {
	name string
	mtu  int

	in  chan []byte
	out chan []byte

	once sync.Once
	done chan struct{}
}

// NewMemory creates a memory device buffering up to depth packets each way.
func NewMemory(name string, mtu, depth int) *Memory {
	return &Memory{
		name: name,
		mtu:  mtu,
		in:   make(chan []byte, depth),
		out:  make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) MTU() int     { return m.mtu }

// Inject queues a packet for Read. It blocks while the queue is full.
func (m *Memory) Inject(b []byte) error {
	select {
	case m.in <- append([]byte(nil), b...):
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Written delivers copies of the packets written to the device.
func (m *Memory) Written() <-chan []byte { return m.out }

func (m *Memory) Read(p []byte) (int, error) {
	select {
	case b := <-m.in:
		if len(b) > len(p) {
			return 0, errors.Errorf(errors.KindLimit, "packet of %d bytes exceeds read buffer of %d", len(b), len(p))
		}
		return copy(p, b), nil
	case <-m.done:
		return 0, ErrClosed
	}
}

func (m *Memory) Write(p []byte) (int, error) {
	select {
	case m.out <- append([]byte(nil), p...):
		return len(p), nil
	case <-m.done:
		return 0, ErrClosed
	}
}

// Close unblocks pending reads and writes. It is safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
