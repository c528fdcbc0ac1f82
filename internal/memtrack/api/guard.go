package api

import (
	"sync/atomic"

	"github.com/kolkov/memtracker/internal/memtrack/kind"
	"github.com/kolkov/memtracker/internal/memtrack/threadstate"
)

// Guard represents one push of an allocator kind onto the calling
// goroutine's override stack.
//
// Release pops exactly one level regardless of how the scope exits;
// callers pair EnterScope with a deferred Release so early returns and
// panics unwind the stack correctly. Releasing more than once is a no-op.
//
// Guards are bound to the goroutine that entered the scope and pop in
// strict LIFO order on it. Releasing a guard from a different goroutine
// would pop that other goroutine's stack; it is a contract violation, not
// a supported pattern.
type Guard struct {
	state    *threadstate.State
	released atomic.Bool
}

// EnterScope pushes k as the calling goroutine's current override and
// returns the guard that pops it.
//
// The returned guard is never nil. When tracking is disabled, or the
// goroutine's state is unreachable, the guard is inert: Release is still
// safe and does nothing. This keeps instrumentation code unconditional:
//
//	g := api.EnterScope(kind.Passthrough)
//	defer g.Release()
//
// The guard machinery itself performs its bookkeeping on plain Go values
// owned by the goroutine; it never routes through the dispatcher, so it
// cannot recursively track its own allocations.
func EnterScope(k kind.Kind) *Guard {
	rt := currentRuntime()
	if rt == nil {
		return &Guard{}
	}

	s := rt.lookupState()
	if s == nil || s.TornDown() {
		return &Guard{}
	}

	s.Push(k)
	return &Guard{state: s}
}

// Release pops the guard's override level. Idempotent.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	if g.state != nil {
		g.state.Pop()
	}
}
