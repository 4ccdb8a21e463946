// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// JitteredSchedule runs a task every Interval plus a uniform random delay in
// [0, Spread). Many clients refreshing from one feed spread out this way.
type JitteredSchedule struct {
	Interval time.Duration
	Spread   time.Duration
	// Float64 returns a value in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

// Jittered creates a jittered interval schedule.
func Jittered(d, spread time.Duration) *JitteredSchedule {
	return &JitteredSchedule{Interval: d, Spread: spread}
}

// Next returns the next run time.
func (s *JitteredSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval + jitter(s.Spread, s.Float64))
}

func jitter(spread time.Duration, f func() float64) time.Duration {
	if spread <= 0 {
		return 0
	}
	if f == nil {
		f = rand.Float64
	}
	return time.Duration(f() * float64(spread))
}

// RetrySchedule decides when a failed task runs again.
type RetrySchedule interface {
	// NextRetry returns the next attempt time after the given number of
	// consecutive failures (1 for the first failure).
	NextRetry(after time.Time, failures int) time.Time
}

// Backoff is exponential backoff with equal jitter: the delay for failure n
// is Min*Base^(n-1) capped at Max, and the actual wait is drawn from
// [delay/2, delay).
type Backoff struct {
	Min  time.Duration
	Max  time.Duration
	Base float64 // growth factor, 2 when zero
	// Float64 returns a value in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

// Delay returns the un-jittered delay for the given failure count.
func (b *Backoff) Delay(failures int) time.Duration {
	base := b.Base
	if base <= 1 {
		base = 2
	}
	if failures < 1 {
		failures = 1
	}
	d := float64(b.Min) * math.Pow(base, float64(failures-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// NextRetry implements RetrySchedule.
func (b *Backoff) NextRetry(after time.Time, failures int) time.Time {
	d := b.Delay(failures)
	half := d / 2
	return after.Add(half + jitter(d-half, b.Float64))
}
