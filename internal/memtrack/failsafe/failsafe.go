// Copyright 2025 The memtracker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package failsafe wraps shared-state access for code running on the
// allocation hot path.
//
// The allocation dispatcher is invoked synchronously on every allocate,
// reallocate and free in the host program, including from goroutines that
// are mid-teardown. Nothing reached from that path may panic, unwind, or
// block indefinitely. This package provides the two primitives that make
// that guarantee:
//
//   - Contain / ContainValue: run a function with panic containment.
//     Any panic inside the wrapped operation is recovered and converted
//     into a "use default" outcome instead of unwinding into allocation
//     code.
//
//   - TimedMutex: a mutex whose acquisition is bounded by a budget.
//     A caller that cannot acquire the lock within the budget abandons the
//     attempt and falls back to an untracked path for that single event.
//     The attempt is never retried synchronously: blocking further in the
//     allocation path risks deadlock if the lock holder itself needs to
//     allocate.
//
// Performance:
//   - Contain: ~5ns overhead per call (one deferred function).
//   - TimedMutex.AcquireWithin (uncontended): ~20ns (single TryLock).
//   - TimedMutex.AcquireWithin (contended): bounded spin/yield loop,
//     returns within budget plus scheduling slack.
package failsafe

import (
	"runtime"
	"sync"
	"time"
)

// DefaultLockBudget is the lock-acquisition budget used when a caller does
// not configure one. 2ms is long enough that a healthy registry update
// (tens of nanoseconds of critical section) essentially never misses, and
// short enough that a wedged lock holder cannot stall the host program's
// allocations noticeably.
const DefaultLockBudget = 2 * time.Millisecond

// spinRounds is the number of raw TryLock attempts made before the loop
// starts yielding the processor. Uncontended and briefly-contended locks
// are acquired here without touching the clock.
const spinRounds = 16

// Contain runs fn with panic containment.
//
// It returns true if fn completed normally, false if fn panicked. The
// panic value is swallowed: callers on the allocation path have no way to
// surface it, and the documented outcome for any internal failure is
// "use the default".
//
// Thread Safety: Contain adds no synchronization; it is as safe as fn.
func Contain(fn func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fn()
	return true
}

// ContainValue runs fn with panic containment and returns its result, or
// fallback if fn panicked.
//
// This is the form used for reads: "give me the per-goroutine state, or
// the safe default if anything at all goes wrong".
func ContainValue[T any](fn func() T, fallback T) (v T) {
	defer func() {
		if recover() != nil {
			v = fallback
		}
	}()
	return fn()
}

// TimedMutex is a mutual exclusion lock with budget-bounded acquisition.
//
// The zero value is an unlocked mutex. TimedMutex must not be copied after
// first use.
//
// Unlike sync.Mutex, TimedMutex is designed for callers that would rather
// lose one update than wait: AcquireWithin gives up once the budget is
// exhausted and the caller is expected to count the miss and move on.
type TimedMutex struct {
	mu sync.Mutex
}

// Lock acquires the mutex unconditionally.
//
// Only callers off the allocation path (task lifecycle, report export,
// tests) may use this; hot-path callers must use AcquireWithin.
func (m *TimedMutex) Lock() {
	m.mu.Lock()
}

// TryLock attempts to acquire the mutex without blocking.
func (m *TimedMutex) TryLock() bool {
	return m.mu.TryLock()
}

// Unlock releases the mutex.
func (m *TimedMutex) Unlock() {
	m.mu.Unlock()
}

// AcquireWithin attempts to acquire the mutex, giving up after budget.
//
// Algorithm:
//  1. Spin on TryLock a few rounds (fast path, no clock read).
//  2. Record the deadline, then alternate TryLock with Gosched until the
//     lock is acquired or the deadline passes.
//
// A budget <= 0 degrades to a single TryLock attempt.
//
// Returns true if the lock was acquired; the caller must Unlock. Returns
// false if the budget expired; the caller must treat the guarded operation
// as skipped (a missed update), never retry in the same event.
//
// The deadline check uses the wall clock deliberately: this code runs on
// arbitrary goroutines and must not allocate timers or channels.
func (m *TimedMutex) AcquireWithin(budget time.Duration) bool {
	for i := 0; i < spinRounds; i++ {
		if m.mu.TryLock() {
			return true
		}
	}

	if budget <= 0 {
		return m.mu.TryLock()
	}

	deadline := time.Now().Add(budget)
	for {
		if m.mu.TryLock() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		// Give the lock holder a chance to run. Gosched is the only form
		// of "waiting" permitted here: no timers, no channel operations.
		runtime.Gosched()
	}
}

// WithLock runs fn while holding m, if m can be acquired within budget.
//
// Both the acquisition and fn itself are failure-contained: a panic inside
// fn releases the lock and reports failure rather than unwinding. Returns
// true only if the lock was acquired and fn completed normally.
func (m *TimedMutex) WithLock(budget time.Duration, fn func()) bool {
	if !m.AcquireWithin(budget) {
		return false
	}
	defer m.Unlock()
	return Contain(fn)
}
