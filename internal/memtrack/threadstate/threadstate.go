// Package threadstate holds the per-goroutine allocator state consulted on
// every allocation, and the arena that indexes that state by goroutine id.
//
// Ownership model: a State is mutated only by the goroutine it belongs to.
// The single exception is teardown, which may be driven by the arena sweep
// after the owning goroutine has exited; the lifecycle phase is therefore
// an atomic while everything else is plain fields with no locking.
//
// State lifecycle per goroutine:
//
//	Uninitialized -> Active -> TornDown
//
// Activation happens on the first allocation observed on the goroutine and
// is best-effort: if it fails, the state stays Uninitialized and every
// subsequent allocation retries cheaply, resolving to Passthrough in the
// meantime. Teardown is one-way and idempotent; any allocation arriving
// after it (destructors, deferred cleanup) must see TornDown and resolve to
// Passthrough without touching shared state.
package threadstate

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/memtracker/internal/memtrack/kind"
	"github.com/kolkov/memtracker/internal/memtrack/registry"
)

// Phase is the lifecycle phase of a goroutine's allocator state.
type Phase uint32

const (
	// Uninitialized means no allocation has been fully observed on the
	// goroutine yet. Dispatch resolves to Passthrough.
	Uninitialized Phase = iota

	// Active means the state is live and owned by its goroutine.
	Active

	// TornDown means the goroutine's state has been destroyed. The
	// transition is one-way; dispatch resolves to Passthrough forever.
	TornDown
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "Uninitialized"
	case Active:
		return "Active"
	case TornDown:
		return "TornDown"
	default:
		return "Phase(?)"
	}
}

// State is one goroutine's allocator state: the override stack pushed by
// scope guards, the cached classifier decision, and the task binding.
//
// All fields except phase are owned exclusively by the goroutine the state
// belongs to; no locking is needed for them.
type State struct {
	// phase is atomic because the arena sweep may tear a state down from
	// another goroutine after the owner has exited.
	phase atomic.Uint32

	// overrides is the scope-guard stack. The kind in effect is the top
	// element; depth 0 means no explicit override.
	overrides []kind.Kind

	// cached is the classifier's last decision for this goroutine,
	// valid only while cachedValid. Invalidated when the override stack
	// transitions between empty and non-empty and when the task binding
	// changes.
	cached      kind.Kind
	cachedValid bool

	// task / entry bind the goroutine to its active tracked task. The
	// entry pointer lets the dispatcher update counters without touching
	// the registry map.
	task  registry.TaskID
	entry *registry.TaskEntry

	// unbalancedPops counts Pop calls on an empty stack. Absorbed rather
	// than panicking; a non-zero value is a caller-logic diagnostic.
	unbalancedPops atomic.Uint64
}

// NewState returns a state in the Uninitialized phase.
func NewState() *State {
	return &State{}
}

// Phase returns the current lifecycle phase.
//
//go:nosplit
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// Activate moves Uninitialized -> Active. Returns true if the state is
// Active after the call; a torn-down state can never be reactivated.
func (s *State) Activate() bool {
	s.phase.CompareAndSwap(uint32(Uninitialized), uint32(Active))
	return s.Phase() == Active
}

// Teardown irreversibly marks the state destroyed. Idempotent. The task
// binding and override stack are dropped so nothing dangling keeps a
// registry entry alive.
func (s *State) Teardown() {
	s.phase.Store(uint32(TornDown))
	s.overrides = nil
	s.cachedValid = false
	s.task = ""
	s.entry = nil
}

// TornDown reports whether the state has been destroyed.
//
//go:nosplit
func (s *State) TornDown() bool {
	return s.Phase() == TornDown
}

// Push puts k on top of the override stack.
//
// Pushing onto a torn-down state is absorbed: the guard machinery may run
// from deferred code after teardown, and must not fault.
func (s *State) Push(k kind.Kind) {
	if s.TornDown() {
		return
	}
	if len(s.overrides) == 0 {
		// Entering the first override makes any cached classifier
		// decision unreachable; drop it so it cannot go stale.
		s.cachedValid = false
	}
	s.overrides = append(s.overrides, k)
}

// Pop removes the top override, restoring the previous one.
//
// Strict LIFO is the guard contract; a pop with no matching push is
// absorbed and counted, never a panic.
func (s *State) Pop() {
	if s.TornDown() {
		return
	}
	if len(s.overrides) == 0 {
		s.unbalancedPops.Add(1)
		return
	}
	s.overrides = s.overrides[:len(s.overrides)-1]
	if len(s.overrides) == 0 {
		s.cachedValid = false
	}
}

// OverrideDepth returns the number of active scope overrides.
//
//go:nosplit
func (s *State) OverrideDepth() int {
	return len(s.overrides)
}

// Current returns the kind in effect and whether an explicit override is
// active. With no override the second result is false and the caller
// consults the cached decision or the classifier.
//
//go:nosplit
func (s *State) Current() (kind.Kind, bool) {
	if n := len(s.overrides); n > 0 {
		return s.overrides[n-1], true
	}
	return kind.Passthrough, false
}

// CacheDecision stores the classifier's decision for reuse on subsequent
// allocations in the same context.
func (s *State) CacheDecision(k kind.Kind) {
	if s.TornDown() {
		return
	}
	s.cached = k
	s.cachedValid = true
}

// CachedDecision returns the cached classifier decision, if still valid.
//
//go:nosplit
func (s *State) CachedDecision() (kind.Kind, bool) {
	if !s.cachedValid {
		return kind.Passthrough, false
	}
	return s.cached, true
}

// InvalidateCache drops the cached classifier decision.
func (s *State) InvalidateCache() {
	s.cachedValid = false
}

// BindTask makes id the goroutine's active task. The entry pointer is the
// lock-free update target for tracked allocations on this goroutine.
func (s *State) BindTask(id registry.TaskID, entry *registry.TaskEntry) {
	if s.TornDown() {
		return
	}
	s.task = id
	s.entry = entry
	s.cachedValid = false
}

// ClearTask removes the task binding.
func (s *State) ClearTask() {
	if s.TornDown() {
		return
	}
	s.task = ""
	s.entry = nil
	s.cachedValid = false
}

// ActiveTask returns the bound task, if any.
//
//go:nosplit
func (s *State) ActiveTask() (registry.TaskID, *registry.TaskEntry, bool) {
	if s.entry == nil {
		return "", nil, false
	}
	return s.task, s.entry, true
}

// UnbalancedPops returns the number of absorbed pops on an empty stack.
func (s *State) UnbalancedPops() uint64 {
	return s.unbalancedPops.Load()
}

// Arena indexes per-goroutine states by goroutine id.
//
// The goroutine id is purely an indexing key for the per-goroutine fast
// path. It is never a stand-in for task identity: which task an update
// belongs to always comes from the explicit binding in State.
//
// sync.Map fits the access pattern: each state is created once, read many
// times by its own goroutine, and removed once at teardown.
type Arena struct {
	states sync.Map // int64 (goroutine id) -> *State

	created   atomic.Uint64
	tornDown  atomic.Uint64
	sweptDead atomic.Uint64
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Get returns the state for gid, or nil if none exists.
//
//go:nosplit
func (a *Arena) Get(gid int64) *State {
	if v, ok := a.states.Load(gid); ok {
		return v.(*State)
	}
	return nil
}

// GetOrCreate returns the state for gid, creating and activating it on
// first use. The second result is true when the state was created by this
// call.
func (a *Arena) GetOrCreate(gid int64) (*State, bool) {
	if v, ok := a.states.Load(gid); ok {
		return v.(*State), false
	}

	s := NewState()
	s.Activate()
	if v, loaded := a.states.LoadOrStore(gid, s); loaded {
		return v.(*State), false
	}
	a.created.Add(1)
	return s, true
}

// Teardown destroys the state for gid.
//
// The poisoned state stays indexed: allocations that arrive on the same
// goroutine during its destruction (deferred cleanup, finalizers) must
// find the TornDown marker and resolve Passthrough, not a fresh Active
// state. The entry is reclaimed later by Sweep once the goroutine is gone.
// Idempotent; unknown gids are a no-op.
func (a *Arena) Teardown(gid int64) {
	v, ok := a.states.Load(gid)
	if !ok {
		return
	}
	s := v.(*State)
	if !s.TornDown() {
		s.Teardown()
		a.tornDown.Add(1)
	}
}

// Sweep tears down every state whose goroutine id is not in live.
// Called periodically with the set of goroutines currently running, it
// reclaims state left behind by goroutines that exited without an explicit
// teardown.
//
// A nil live set means the caller could not determine which goroutines are
// running. That is not the same as "none are": Sweep does nothing, since
// tearing down a live goroutine's state would silently downgrade it to
// Passthrough for good.
func (a *Arena) Sweep(live map[int64]bool) {
	if live == nil {
		return
	}
	a.states.Range(func(key, value any) bool {
		gid := key.(int64)
		if !live[gid] {
			value.(*State).Teardown()
			a.states.Delete(gid)
			a.sweptDead.Add(1)
		}
		return true
	})
}

// Size returns the number of states currently indexed.
func (a *Arena) Size() int {
	n := 0
	a.states.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Stats returns cumulative arena counters: states created, explicitly torn
// down, and reclaimed by sweeps.
func (a *Arena) Stats() (created, tornDown, swept uint64) {
	return a.created.Load(), a.tornDown.Load(), a.sweptDead.Load()
}
