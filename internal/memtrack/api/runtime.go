// Package api implements the allocation dispatcher and the tracking
// runtime's lifecycle.
//
// This package is the integration surface between the host runtime's
// allocation hooks and the tracking machinery. Its entry points (Alloc,
// Realloc, Free) are CRITICAL HOT PATHS: they run synchronously on
// whichever goroutine requested the allocation, must never spawn work or
// suspend, and must never return an error to the allocation request.
// Every internal failure, from a panicking state accessor to a
// mid-teardown goroutine, degrades to the untracked Passthrough path.
//
// The runtime itself is lifecycle-scoped, not an ambient singleton: Enable
// constructs a Runtime (registry, arena, classifier) and publishes it
// through an atomic pointer; Disable unpublishes it and returns the final
// snapshots. The package-level enabled flag is the single-check fast gate:
// when tracking is off, dispatch is one atomic load.
package api

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/kolkov/memtracker/internal/memtrack/classify"
	"github.com/kolkov/memtracker/internal/memtrack/failsafe"
	"github.com/kolkov/memtracker/internal/memtrack/registry"
	"github.com/kolkov/memtracker/internal/memtrack/threadstate"
)

// ErrDisabled is returned by task lifecycle operations while tracking is
// off. Allocation entry points never return it; they just pass through.
var ErrDisabled = errors.New("memtrack: tracking is disabled")

// Config carries the tunables fixed at Enable time.
type Config struct {
	// LockBudget bounds registry lock acquisitions issued from the
	// allocation path. Zero selects failsafe.DefaultLockBudget.
	LockBudget time.Duration

	// ClassifierPatterns are extra internal-namespace markers matched by
	// the fallback classifier, on top of classify.DefaultPatterns.
	ClassifierPatterns []string

	// SweepEvery is the number of per-goroutine state creations between
	// sweeps for dead goroutines. Zero selects DefaultSweepEvery.
	SweepEvery uint64
}

// DefaultSweepEvery amortizes the runtime.Stack(all=true) sweep cost over
// state creations. State creation happens once per goroutine, so even a
// modest interval keeps sweep overhead invisible.
const DefaultSweepEvery = 256

// Runtime bundles the long-lived tracking state created at Enable.
type Runtime struct {
	registry   *registry.Registry
	arena      *threadstate.Arena
	classifier *classify.Classifier
	cfg        Config

	// stateFailures counts dispatches that could not reach per-goroutine
	// state (panic in an accessor, unparseable goroutine id) and resolved
	// to Passthrough.
	stateFailures atomic.Uint64

	// classifierRuns counts uncached classifier consultations.
	classifierRuns atomic.Uint64

	// creations drives the sweep cadence.
	creations atomic.Uint64

	// sweeping serializes sweeps so a creation burst cannot pile them up.
	sweeping atomic.Bool
}

var (
	// enabled is the process-wide switch. Checked first on every dispatch.
	enabled atomic.Bool

	// current is the published runtime. nil whenever enabled is false;
	// readers must tolerate nil regardless of the flag, since Disable
	// clears the two non-atomically.
	current atomic.Pointer[Runtime]
)

func newRuntime(cfg Config) *Runtime {
	if cfg.SweepEvery == 0 {
		cfg.SweepEvery = DefaultSweepEvery
	}
	return &Runtime{
		registry:   registry.NewRegistry(cfg.LockBudget),
		arena:      threadstate.NewArena(),
		classifier: classify.New(cfg.ClassifierPatterns...),
		cfg:        cfg,
	}
}

// Enable constructs a fresh runtime and turns tracking on.
//
// Calling Enable while already enabled replaces the runtime: previous
// task entries are dropped with it. Callers wanting their snapshots must
// Disable first.
//
// Thread Safety: safe to call concurrently with dispatches; not intended
// to race with another Enable/Disable.
func Enable(cfg Config) {
	current.Store(newRuntime(cfg))
	enabled.Store(true)
}

// Disable turns tracking off and unpublishes the runtime.
//
// Returns a best-effort snapshot of every task the runtime knew about,
// sealed or not, so callers can export before the state is dropped.
// In-flight dispatches racing with Disable either complete against the
// old runtime or pass through; neither outcome faults.
func Disable() []registry.Snapshot {
	enabled.Store(false)
	rt := current.Swap(nil)
	if rt == nil {
		return nil
	}
	return rt.registry.Snapshots()
}

// Enabled reports whether tracking is on.
//
//go:nosplit
func Enabled() bool {
	return enabled.Load()
}

// currentRuntime returns the published runtime, or nil.
//
//go:nosplit
func currentRuntime() *Runtime {
	if !enabled.Load() {
		return nil
	}
	return current.Load()
}

// stateFor returns the per-goroutine state for gid, creating it on first
// use and driving the sweep cadence. Returns nil when the state cannot be
// reached; the caller resolves Passthrough.
func (rt *Runtime) stateFor(gid int64) *threadstate.State {
	if gid == 0 {
		return nil
	}
	s, created := rt.arena.GetOrCreate(gid)
	if created {
		rt.maybeSweep()
	}
	return s
}

// maybeSweep reclaims state from dead goroutines every cfg.SweepEvery
// state creations. The sweep runs in a background goroutine: the stack
// dump it needs is far too slow for an allocation call site.
func (rt *Runtime) maybeSweep() {
	if rt.creations.Add(1)%rt.cfg.SweepEvery != 0 {
		return
	}
	if !rt.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer rt.sweeping.Store(false)
		failsafe.Contain(func() {
			// A nil live set means the dump was truncated; sweeping on it
			// would tear down goroutines that merely failed to fit. Skip
			// this cycle and let the next one retry.
			if live := liveGoroutineIDs(); live != nil {
				rt.arena.Sweep(live)
			}
		})
	}()
}

// Diagnostics aggregates the absorbed-failure and bookkeeping counters
// from every layer, for optional caller inspection. All profiling-specific
// failures surface here and nowhere else.
type Diagnostics struct {
	// MissedUpdates counts registry updates dropped on lock-budget expiry.
	MissedUpdates uint64

	// SealedWrites counts updates rejected after EndTask.
	SealedWrites uint64

	// StateFailures counts dispatches resolved to Passthrough because
	// per-goroutine state was unreachable.
	StateFailures uint64

	// ClassifierRuns and ClassifierFallbacks describe the fallback tier:
	// total uncached consultations and how many defaulted optimistically
	// with no stack available.
	ClassifierRuns      uint64
	ClassifierFallbacks uint64

	// StatesCreated, StatesTornDown and StatesSwept describe arena churn.
	StatesCreated  uint64
	StatesTornDown uint64
	StatesSwept    uint64
}

// CollectDiagnostics returns the current runtime's counters.
// Zero-valued when tracking is disabled.
func CollectDiagnostics() Diagnostics {
	rt := currentRuntime()
	if rt == nil {
		return Diagnostics{}
	}
	reg := rt.registry.Diagnostics()
	created, tornDown, swept := rt.arena.Stats()
	return Diagnostics{
		MissedUpdates:       reg.MissedUpdates,
		SealedWrites:        reg.SealedWrites,
		StateFailures:       rt.stateFailures.Load(),
		ClassifierRuns:      rt.classifierRuns.Load(),
		ClassifierFallbacks: rt.classifier.Fallbacks(),
		StatesCreated:       created,
		StatesTornDown:      tornDown,
		StatesSwept:         swept,
	}
}

// Reset tears tracking down and forgets all state. Test helper.
//
// Thread Safety: NOT safe concurrently with dispatches; callers must
// quiesce first, same as the usual test setup/teardown discipline.
func Reset() {
	enabled.Store(false)
	current.Store(nil)
}

// TeardownCurrentGoroutine destroys the calling goroutine's state, as a
// host runtime would when its thread-local storage is being destructed.
// Every subsequent dispatch on this goroutine finds the TornDown marker
// and resolves Passthrough; the marker is reclaimed by the arena sweep
// after the goroutine exits.
func TeardownCurrentGoroutine() {
	rt := current.Load()
	if rt == nil {
		return
	}
	if gid := getGoroutineID(); gid != 0 {
		rt.arena.Teardown(gid)
	}
}
