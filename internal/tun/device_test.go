// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/errors"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory("mem0", 1500, 4)
	assert.Equal(t, "mem0", m.Name())
	assert.Equal(t, 1500, m.MTU())

	pkt := []byte{0x45, 0, 0, 20}
	require.NoError(t, m.Inject(pkt))
	pkt[0] = 0 // Inject copies

	buf := make([]byte, 64)
	n, err := m.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0, 0, 20}, buf[:n])

	_, err = m.Write([]byte("out"))
	require.NoError(t, err)
	assert.Equal(t, []byte("out"), <-m.Written())
}

func TestMemoryShortBuffer(t *testing.T) {
	m := NewMemory("mem0", 1500, 1)
	require.NoError(t, m.Inject(make([]byte, 10)))
	_, err := m.Read(make([]byte, 4))
	assert.True(t, errors.IsKind(err, errors.KindLimit))
}

func TestMemoryCloseUnblocksRead(t *testing.T) {
	m := NewMemory("mem0", 1500, 1)
	errc := make(chan error, 1)
	go func() {
		_, err := m.Read(make([]byte, 64))
		errc <- err
	}()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}
	assert.Error(t, m.Inject([]byte{1}))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "tun0", cfg.Name)
	assert.Equal(t, 1500, cfg.MTU)
	assert.Equal(t, []string{"10.0.0.2/32"}, cfg.Addresses)
	assert.Equal(t, []string{"0.0.0.0/0"}, cfg.Routes)
}
