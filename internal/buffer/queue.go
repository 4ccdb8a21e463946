// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package buffer

import (
	"context"
)

// Queue moves buffer ownership between goroutines. Many producers and many
// consumers may use it concurrently.
type Queue struct {
	arena *Arena
	ch    chan Handle
}

// NewQueue creates a queue holding at most depth handles.
func NewQueue(arena *Arena, depth int) *Queue {
	return &Queue{arena: arena, ch: make(chan Handle, depth)}
}

// Arena returns the arena the queued handles belong to.
func (q *Queue) Arena() *Arena { return q.arena }

// C is the receive side. Receiving a handle takes ownership of it.
func (q *Queue) C() <-chan Handle { return q.ch }

// Len is the number of queued handles.
func (q *Queue) Len() int { return len(q.ch) }

// Push hands h to the queue. If ctx ends first the buffer is released.
func (q *Queue) Push(ctx context.Context, h Handle) error {
	select {
	case q.ch <- h:
		return nil
	case <-ctx.Done():
		q.arena.Release(h)
		return ctx.Err()
	}
}

// PushBytes copies b into a fresh buffer and queues it.
func (q *Queue) PushBytes(ctx context.Context, b []byte) error {
	h, err := q.arena.Acquire()
	if err != nil {
		return err
	}
	if err := q.arena.Fill(h, b); err != nil {
		q.arena.Release(h)
		return err
	}
	return q.Push(ctx, h)
}

// Drain releases every queued handle without processing it.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case h := <-q.ch:
			q.arena.Release(h)
			n++
		default:
			return n
		}
	}
}
