// Copyright 2025 The memtracker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"github.com/kolkov/memtracker/internal/memtrack/failsafe"
	"github.com/kolkov/memtracker/internal/memtrack/kind"
	"github.com/kolkov/memtracker/internal/memtrack/registry"
	"github.com/kolkov/memtracker/internal/memtrack/threadstate"
)

// Block is one serviced allocation.
//
// The routing flag and task attribution are colocated with the allocation
// itself: Free and Realloc consult the block, never the goroutine's
// current override state, so a block is always returned to the backend
// that produced it even if scopes have changed or tracking was disabled in
// between.
type Block struct {
	buf  []byte
	size int

	// tracked records which backend serviced the allocation.
	tracked bool

	// task/entry attribute a tracked block. The entry pointer stays valid
	// after the runtime is torn down; late frees still balance the
	// counters they started on.
	task  registry.TaskID
	entry *registry.TaskEntry
}

// Bytes returns the block's storage. nil after Free.
func (b *Block) Bytes() []byte { return b.buf }

// Size returns the block's current size in bytes.
func (b *Block) Size() int { return b.size }

// Tracked reports which backend serviced the block.
func (b *Block) Tracked() bool { return b.tracked }

// Task returns the task a tracked block is attributed to.
func (b *Block) Task() (registry.TaskID, bool) {
	if !b.tracked {
		return "", false
	}
	return b.task, true
}

// lookupState is the fault-tolerant accessor for the calling goroutine's
// state. Any failure inside, a panic in the arena, an unparseable
// goroutine id, yields nil, and the caller resolves Passthrough. No error
// propagates toward the allocation request.
func (rt *Runtime) lookupState() *threadstate.State {
	s := failsafe.ContainValue(func() *threadstate.State {
		return rt.stateFor(getGoroutineID())
	}, nil)
	if s == nil {
		rt.stateFailures.Add(1)
	}
	return s
}

// resolve decides how the current allocation request is routed.
//
// Algorithm, cheapest check first:
//  1. Disabled, or no runtime published: Passthrough.
//  2. Per-goroutine state unreachable (mid-teardown, accessor panic):
//     Passthrough. Correctness of the host program beats completeness of
//     profiling data.
//  3. State TornDown: Passthrough, never touching the registry.
//  4. Explicit override active: use it directly, no classification.
//  5. Cached classifier decision valid: use it.
//  6. Consult the classifier, cache the answer for this goroutine.
//
// A TaskTracked resolution only yields a tracked route if the goroutine
// actually has a task bound; tracked-with-no-task routes to the plain
// backend.
func resolve() (*registry.TaskEntry, registry.TaskID, *Runtime) {
	rt := currentRuntime()
	if rt == nil {
		return nil, "", nil
	}

	s := rt.lookupState()
	if s == nil || s.TornDown() {
		return nil, "", rt
	}

	k, explicit := s.Current()
	if !explicit {
		var ok bool
		if k, ok = s.CachedDecision(); !ok {
			k = failsafe.ContainValue(rt.classifier.Classify, kind.TaskTracked)
			rt.classifierRuns.Add(1)
			s.CacheDecision(k)
		}
	}

	if k != kind.TaskTracked {
		return nil, "", rt
	}
	task, entry, ok := s.ActiveTask()
	if !ok {
		return nil, "", rt
	}
	return entry, task, rt
}

// Alloc services an allocation request of size bytes.
//
// This is the hot-path entry point invoked on every allocation while
// hooks are installed. It never fails for tracking reasons: bookkeeping
// errors degrade to an untracked block and the allocation itself succeeds
// or fails purely on the backend's own terms.
func Alloc(size int) *Block {
	if size < 0 {
		size = 0
	}

	entry, task, rt := resolve()
	b := &Block{
		buf:  make([]byte, size),
		size: size,
	}
	if entry == nil {
		return b
	}

	b.tracked = true
	b.task = task
	b.entry = entry
	// A rejected write (task sealed between resolve and here) leaves the
	// block untracked so the matching Free stays balanced.
	if rt.registry.Record(entry, int64(size), registry.EventAlloc) != nil {
		b.tracked = false
		b.entry = nil
		b.task = ""
	}
	return b
}

// Realloc resizes b in place, returning the same block.
//
// A nil or freed block degrades to a fresh Alloc. The size delta is
// recorded against the block's own task, not the goroutine's current
// binding: reallocation keeps the attribution the allocation started with.
func Realloc(b *Block, size int) *Block {
	if b == nil || b.buf == nil {
		return Alloc(size)
	}
	if size < 0 {
		size = 0
	}

	delta := size - b.size
	buf := make([]byte, size)
	copy(buf, b.buf)
	b.buf = buf
	b.size = size

	if b.tracked && b.entry != nil && delta != 0 {
		recordOnBlock(b, int64(delta), registry.EventRealloc)
	}
	return b
}

// Free returns b's storage and balances the counters of the backend that
// allocated it. Double frees and nil blocks are absorbed.
func Free(b *Block) {
	if b == nil || b.buf == nil {
		return
	}
	size := b.size
	b.buf = nil

	if b.tracked && b.entry != nil {
		recordOnBlock(b, int64(size), registry.EventFree)
	}
}

// recordOnBlock updates the entry a block was allocated under. When the
// runtime is still published its registry counts rejections; after
// Disable the entry pointer is all that is left, and the update lands
// directly so late frees keep already-exported aggregates honest only in
// their own copy, never faulting.
func recordOnBlock(b *Block, delta int64, ev registry.EventKind) {
	if rt := current.Load(); rt != nil {
		_ = rt.registry.Record(b.entry, delta, ev)
		return
	}
	_ = b.entry.Record(delta, ev)
}
