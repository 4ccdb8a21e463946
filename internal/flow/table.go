// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow provides the bounded flow table shared by the TCP and UDP engines.
package flow

import (
	"container/list"
	"sync"
	"time"

	"grimm.is/tunwall/internal/clock"
	"grimm.is/tunwall/internal/logging"
)

// Reason says why an entry left the table.
type Reason int

const (
	ReasonRemoved  Reason = iota // explicit Remove (RST, close, I/O error)
	ReasonEvicted                // least recently used entry pushed out by Put
	ReasonExpired                // idle longer than IdleTimeout
	ReasonReplaced               // Put on an existing key
	ReasonShutdown               // EvictAll
)

func (r Reason) String() string {
	switch r {
	case ReasonRemoved:
		return "removed"
	case ReasonEvicted:
		return "evicted"
	case ReasonExpired:
		return "expired"
	case ReasonReplaced:
		return "replaced"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Teardown releases whatever a value holds. It runs exactly once per entry
// leaving the table, outside the table lock.
type Teardown[K comparable, V any] func(key K, value V, reason Reason)

// Config for a flow table.
type Config struct {
	Capacity        int           `json:"capacity"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() *Config {
	return &Config{
		Capacity:        50,
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
	}
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	lastSeen time.Time
}

type evicted[K comparable, V any] struct {
	key    K
	value  V
	reason Reason
}

// Table is an LRU map from flow identity to flow record. All methods are safe
// for concurrent use.
type Table[K comparable, V any] struct {
	name     string
	config   *Config
	logger   *logging.Logger
	clock    clock.Clock
	teardown Teardown[K, V]

	mutex   sync.Mutex
	order   *list.List // front = most recently used
	entries map[K]*list.Element

	stopCh chan struct{}
	doneCh chan struct{}
	warned bool
}

// NewTable creates a table. teardown may be nil.
func NewTable[K comparable, V any](name string, logger *logging.Logger, config *Config, teardown Teardown[K, V]) *Table[K, V] {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if logger == nil {
		logger = logging.WithComponent("flow")
	}
	return &Table[K, V]{
		name:     name,
		config:   &cfg,
		logger:   logger,
		clock:    clock.RealClock{},
		teardown: teardown,
		order:    list.New(),
		entries:  make(map[K]*list.Element),
	}
}

// SetClock replaces the time source used for idle tracking.
func (t *Table[K, V]) SetClock(c clock.Clock) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.clock = c
}

// Get returns the record for key and marks it most recently used.
func (t *Table[K, V]) Get(key K) (V, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	el, ok := t.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	t.order.MoveToFront(el)
	e := el.Value.(*entry[K, V])
	e.lastSeen = t.clock.Now()
	return e.value, true
}

// Touch marks key as active without reordering it.
func (t *Table[K, V]) Touch(key K) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if el, ok := t.entries[key]; ok {
		el.Value.(*entry[K, V]).lastSeen = t.clock.Now()
	}
}

// Put inserts or replaces key. When the table is full the least recently
// used entry is torn down first.
func (t *Table[K, V]) Put(key K, value V) {
	var out []evicted[K, V]

	t.mutex.Lock()
	now := t.clock.Now()
	if el, ok := t.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		out = append(out, evicted[K, V]{e.key, e.value, ReasonReplaced})
		e.value = value
		e.lastSeen = now
		t.order.MoveToFront(el)
	} else {
		for len(t.entries) >= t.config.Capacity {
			oldest := t.order.Back()
			e := t.removeElement(oldest)
			out = append(out, evicted[K, V]{e.key, e.value, ReasonEvicted})
		}
		t.entries[key] = t.order.PushFront(&entry[K, V]{key: key, value: value, lastSeen: now})
	}
	count := len(t.entries)
	t.mutex.Unlock()

	t.checkUsage(count)
	t.runTeardown(out)
}

// Remove tears down and deletes key. It reports whether key was present.
func (t *Table[K, V]) Remove(key K) bool {
	t.mutex.Lock()
	el, ok := t.entries[key]
	var e *entry[K, V]
	if ok {
		e = t.removeElement(el)
	}
	t.mutex.Unlock()

	if ok {
		t.runTeardown([]evicted[K, V]{{e.key, e.value, ReasonRemoved}})
	}
	return ok
}

// RemoveIf is Remove for an entry that still holds a value satisfying same.
// A stale holder of an old value cannot remove a newer entry for the key.
func (t *Table[K, V]) RemoveIf(key K, same func(V) bool) bool {
	t.mutex.Lock()
	el, ok := t.entries[key]
	var e *entry[K, V]
	if ok && same(el.Value.(*entry[K, V]).value) {
		e = t.removeElement(el)
	} else {
		ok = false
	}
	t.mutex.Unlock()

	if ok {
		t.runTeardown([]evicted[K, V]{{e.key, e.value, ReasonRemoved}})
	}
	return ok
}

// EvictAll tears down every entry exactly once and empties the table.
func (t *Table[K, V]) EvictAll() int {
	t.mutex.Lock()
	out := make([]evicted[K, V], 0, len(t.entries))
	for el := t.order.Back(); el != nil; el = t.order.Back() {
		e := t.removeElement(el)
		out = append(out, evicted[K, V]{e.key, e.value, ReasonShutdown})
	}
	t.mutex.Unlock()

	t.runTeardown(out)
	if len(out) > 0 {
		t.logger.Debug("Evicted all flows", "table", t.name, "count", len(out))
	}
	return len(out)
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.entries)
}

// Capacity returns the configured maximum size.
func (t *Table[K, V]) Capacity() int {
	return t.config.Capacity
}

// Keys returns keys from most to least recently used.
func (t *Table[K, V]) Keys() []K {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	keys := make([]K, 0, len(t.entries))
	for el := t.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Sweep tears down entries idle for longer than the configured timeout.
func (t *Table[K, V]) Sweep() int {
	if t.config.IdleTimeout <= 0 {
		return 0
	}

	var out []evicted[K, V]
	t.mutex.Lock()
	now := t.clock.Now()
	// idle entries collect at the back
	for el := t.order.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if now.Sub(e.lastSeen) > t.config.IdleTimeout {
			t.removeElement(el)
			out = append(out, evicted[K, V]{e.key, e.value, ReasonExpired})
		}
		el = prev
	}
	t.mutex.Unlock()

	t.runTeardown(out)
	if len(out) > 0 {
		t.logger.Debug("Expired idle flows", "table", t.name, "count", len(out))
	}
	return len(out)
}

// Start runs the idle sweep every CleanupInterval until Stop.
func (t *Table[K, V]) Start() {
	if t.config.CleanupInterval <= 0 || t.config.IdleTimeout <= 0 {
		return
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.cleanupRoutine(t.stopCh, t.doneCh)
}

// Stop ends the idle sweep. It does not evict entries.
func (t *Table[K, V]) Stop() {
	if t.stopCh == nil {
		return
	}
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	<-t.doneCh
}

func (t *Table[K, V]) cleanupRoutine(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-stopCh:
			return
		}
	}
}

func (t *Table[K, V]) removeElement(el *list.Element) *entry[K, V] {
	e := t.order.Remove(el).(*entry[K, V])
	delete(t.entries, e.key)
	return e
}

func (t *Table[K, V]) runTeardown(out []evicted[K, V]) {
	if t.teardown == nil {
		return
	}
	for _, ev := range out {
		t.teardown(ev.key, ev.value, ev.reason)
	}
}

// checkUsage warns once each time the table crosses 90% full.
func (t *Table[K, V]) checkUsage(count int) {
	usage := float64(count) / float64(t.config.Capacity)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if usage >= 0.9 && !t.warned {
		t.warned = true
		t.logger.Warn("High flow table usage",
			"table", t.name,
			"count", count,
			"max", t.config.Capacity,
			"recommendation", "LRU eviction is closing live flows; consider raising the capacity")
	} else if usage < 0.5 {
		t.warned = false
	}
}
