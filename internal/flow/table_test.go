// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/clock"
	"grimm.is/tunwall/internal/logging"
)

type teardownLog struct {
	mu      sync.Mutex
	calls   map[string]int
	reasons map[string]Reason
}

func newTeardownLog() *teardownLog {
	return &teardownLog{calls: map[string]int{}, reasons: map[string]Reason{}}
}

func (l *teardownLog) fn(key string, _ int, reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	l.reasons[key] = reason
}

func TestTable_Logic(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	log := newTeardownLog()
	tbl := NewTable[string, int]("test", logger, DefaultConfig(), log.fn)

	t.Run("Put", func(t *testing.T) {
		tbl.Put("a", 1)
		assert.Equal(t, 1, tbl.Len())
	})

	t.Run("Get", func(t *testing.T) {
		v, ok := tbl.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		_, ok = tbl.Get("missing")
		assert.False(t, ok)
	})

	t.Run("Replace", func(t *testing.T) {
		tbl.Put("a", 2)
		v, _ := tbl.Get("a")
		assert.Equal(t, 2, v)
		assert.Equal(t, 1, log.calls["a"])
		assert.Equal(t, ReasonReplaced, log.reasons["a"])
	})

	t.Run("Remove", func(t *testing.T) {
		assert.True(t, tbl.Remove("a"))
		assert.False(t, tbl.Remove("a"))
		assert.Equal(t, 0, tbl.Len())
		assert.Equal(t, 2, log.calls["a"])
		assert.Equal(t, ReasonRemoved, log.reasons["a"])
	})
}

func TestTable_EvictsLeastRecentlyUsed(t *testing.T) {
	log := newTeardownLog()
	tbl := NewTable[string, int]("test", nil, &Config{Capacity: 50}, log.fn)

	for i := 0; i < 50; i++ {
		tbl.Put(fmt.Sprintf("flow-%d", i), i)
	}
	// flow-0 is now the most recently used, flow-1 the least
	_, ok := tbl.Get("flow-0")
	require.True(t, ok)

	tbl.Put("flow-50", 50)

	assert.Equal(t, 50, tbl.Len())
	_, ok = tbl.Get("flow-1")
	assert.False(t, ok, "least recently used entry should be gone")
	_, ok = tbl.Get("flow-0")
	assert.True(t, ok)

	assert.Len(t, log.calls, 1)
	assert.Equal(t, 1, log.calls["flow-1"])
	assert.Equal(t, ReasonEvicted, log.reasons["flow-1"])
}

func TestTable_EvictAll(t *testing.T) {
	log := newTeardownLog()
	tbl := NewTable[string, int]("test", nil, &Config{Capacity: 10}, log.fn)
	for i := 0; i < 7; i++ {
		tbl.Put(fmt.Sprint(i), i)
	}

	assert.Equal(t, 7, tbl.EvictAll())
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 0, tbl.EvictAll())

	for k, n := range log.calls {
		assert.Equal(t, 1, n, "teardown for %s", k)
		assert.Equal(t, ReasonShutdown, log.reasons[k])
	}
	assert.Len(t, log.calls, 7)
}

func TestTable_Expiration(t *testing.T) {
	log := newTeardownLog()
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	tbl := NewTable[string, int]("test", nil, cfg, log.fn)

	mock := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tbl.SetClock(mock)

	tbl.Put("idle", 1)
	tbl.Put("busy", 2)

	mock.Advance(45 * time.Second)
	tbl.Touch("busy")
	mock.Advance(30 * time.Second)

	assert.Equal(t, 1, tbl.Sweep())
	assert.Equal(t, []string{"busy"}, tbl.Keys())
	assert.Equal(t, ReasonExpired, log.reasons["idle"])
}

func TestTable_StartStop(t *testing.T) {
	cfg := &Config{Capacity: 4, IdleTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}
	tbl := NewTable[string, int]("test", nil, cfg, nil)
	tbl.Put("x", 1)
	tbl.Start()
	assert.Eventually(t, func() bool { return tbl.Len() == 0 }, time.Second, 5*time.Millisecond)
	tbl.Stop()
	tbl.Stop()
}

func TestTable_Concurrent(t *testing.T) {
	log := newTeardownLog()
	tbl := NewTable[string, int]("test", nil, &Config{Capacity: 16}, log.fn)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("%d-%d", w, i)
				tbl.Put(key, i)
				tbl.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 16, tbl.Len())
	tbl.EvictAll()
	for k, n := range log.calls {
		assert.Equal(t, 1, n, "teardown for %s", k)
	}
	assert.Len(t, log.calls, 800)
}

func TestTable_RemoveIf(t *testing.T) {
	log := newTeardownLog()
	tbl := NewTable[string, int]("test", nil, DefaultConfig(), log.fn)
	tbl.Put("a", 2)

	assert.False(t, tbl.RemoveIf("a", func(v int) bool { return v == 1 }))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, 0, log.calls["a"])

	assert.True(t, tbl.RemoveIf("a", func(v int) bool { return v == 2 }))
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 1, log.calls["a"])
	assert.Equal(t, ReasonRemoved, log.reasons["a"])

	assert.False(t, tbl.RemoveIf("missing", func(int) bool { return true }))
}

func TestTable_ConfigNotShared(t *testing.T) {
	cfg := &Config{}
	tbl := NewTable[string, int]("test", nil, cfg, nil)
	assert.Equal(t, DefaultConfig().Capacity, tbl.Capacity())
	assert.Equal(t, 0, cfg.Capacity)

	cfg.Capacity = 3
	assert.Equal(t, DefaultConfig().Capacity, tbl.Capacity())
}
