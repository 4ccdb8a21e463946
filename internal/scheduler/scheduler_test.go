// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tunwall/internal/errors"
)

// futureSchedule returns time + 1 hour
type futureSchedule struct{}

func (futureSchedule) Next(t time.Time) time.Time { return t.Add(time.Hour) }

// fixedRetry retries after a fixed delay and records the failure counts seen.
type fixedRetry struct {
	delay time.Duration
	seen  atomic.Int64
}

func (r *fixedRetry) NextRetry(after time.Time, failures int) time.Time {
	r.seen.Store(int64(failures))
	return after.Add(r.delay)
}

func TestSchedulerCRUD(t *testing.T) {
	s := New(nil)
	task := &Task{
		ID:       "test-1",
		Name:     "Test Task",
		Enabled:  true,
		Schedule: futureSchedule{},
		Func:     func(ctx context.Context) error { return nil },
	}

	require.NoError(t, s.AddTask(task))
	_, ok := s.GetTaskStatus("test-1")
	assert.True(t, ok)

	err := s.AddTask(task)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	require.NoError(t, s.EnableTask("test-1", false))
	st, _ := s.GetTaskStatus("test-1")
	assert.False(t, st.Enabled)
	assert.True(t, st.NextRun.IsZero())

	require.NoError(t, s.EnableTask("test-1", true))
	st, _ = s.GetTaskStatus("test-1")
	assert.True(t, st.Enabled)
	assert.False(t, st.NextRun.IsZero())

	assert.Len(t, s.GetStatus(), 1)
	require.NoError(t, s.RemoveTask("test-1"))
	_, ok = s.GetTaskStatus("test-1")
	assert.False(t, ok)
	assert.True(t, errors.IsKind(s.RemoveTask("test-1"), errors.KindNotFound))
}

func TestAddTaskValidation(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.AddTask(&Task{Schedule: futureSchedule{}, Func: func(context.Context) error { return nil }}))
	assert.Error(t, s.AddTask(&Task{ID: "x", Func: func(context.Context) error { return nil }}))
	assert.Error(t, s.AddTask(&Task{ID: "x", Schedule: futureSchedule{}}))
}

func TestRunTaskManually(t *testing.T) {
	s := New(nil)
	ran := make(chan struct{})
	require.NoError(t, s.AddTask(&Task{
		ID:       "manual",
		Name:     "Manual",
		Schedule: futureSchedule{},
		Func: func(ctx context.Context) error {
			close(ran)
			return nil
		},
	}))

	assert.True(t, errors.IsKind(s.RunTask("manual"), errors.KindUnavailable))

	s.Start()
	defer s.Stop()
	require.NoError(t, s.RunTask("manual"))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for manual run")
	}
}

func TestRunOnStart(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:         "start",
		Name:       "Start",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st, _ := s.GetTaskStatus("start")
		return st.RunCount == 1 && !st.Running
	}, time.Second, 5*time.Millisecond)
}

func TestTaskNeverOverlaps(t *testing.T) {
	s := New(nil, WithTick(2*time.Millisecond))
	var active, maxActive, runs atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:       "slow",
		Name:     "Slow",
		Enabled:  true,
		Schedule: Every(time.Millisecond),
		Func: func(ctx context.Context) error {
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestRetryAfterFailure(t *testing.T) {
	s := New(nil, WithTick(2*time.Millisecond))
	retry := &fixedRetry{delay: time.Millisecond}
	var calls atomic.Int32
	require.NoError(t, s.AddTask(&Task{
		ID:         "flaky",
		Name:       "Flaky",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Retry:      retry,
		Func: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New(errors.KindUnavailable, "feed down")
			}
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		st, _ := s.GetTaskStatus("flaky")
		return st.RunCount == 3 && !st.Running
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := s.GetTaskStatus("flaky")
	assert.Equal(t, int64(2), st.ErrorCount)
	assert.Equal(t, 0, st.Failures)
	assert.Empty(t, st.LastError)
	assert.Equal(t, int64(2), retry.seen.Load())
	// after success the regular hourly schedule applies again
	assert.True(t, st.NextRun.After(time.Now().Add(30*time.Minute)))
}

func TestStopCancelsRunningTask(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.AddTask(&Task{
		ID:         "block",
		Name:       "Block",
		Enabled:    true,
		RunOnStart: true,
		Schedule:   futureSchedule{},
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}))

	s.Start()
	<-started
	s.Stop()
	assert.True(t, cancelled.Load())
	assert.False(t, s.IsRunning())
}
