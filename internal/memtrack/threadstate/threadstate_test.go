package threadstate

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/kolkov/memtracker/internal/memtrack/kind"
	"github.com/kolkov/memtracker/internal/memtrack/registry"
)

// TestPhaseTransitions tests the one-way lifecycle.
func TestPhaseTransitions(t *testing.T) {
	s := NewState()
	if got := s.Phase(); got != Uninitialized {
		t.Fatalf("new state phase = %v, want Uninitialized", got)
	}

	if !s.Activate() {
		t.Fatal("Activate() failed on uninitialized state")
	}
	if got := s.Phase(); got != Active {
		t.Fatalf("phase after Activate = %v, want Active", got)
	}

	// Activate is idempotent.
	if !s.Activate() {
		t.Fatal("second Activate() reported failure")
	}

	s.Teardown()
	if got := s.Phase(); got != TornDown {
		t.Fatalf("phase after Teardown = %v, want TornDown", got)
	}

	// Teardown is one-way: a torn-down state never reactivates.
	if s.Activate() {
		t.Fatal("Activate() succeeded on torn-down state")
	}
	s.Teardown() // idempotent
	if !s.TornDown() {
		t.Fatal("TornDown() = false after double teardown")
	}
}

// TestOverrideStackDiscipline checks the scope-stack invariant: the kind in
// effect is always the most recently pushed, not-yet-popped one, and after
// all pops the state reverts to "no override". Randomized nesting to depth
// 100.
func TestOverrideStackDiscipline(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		s := NewState()
		s.Activate()

		depth := 1 + rng.Intn(100)
		pushed := make([]kind.Kind, 0, depth)

		for i := 0; i < depth; i++ {
			k := kind.Passthrough
			if rng.Intn(2) == 1 {
				k = kind.TaskTracked
			}
			s.Push(k)
			pushed = append(pushed, k)

			got, explicit := s.Current()
			if !explicit {
				t.Fatalf("trial %d depth %d: no explicit override after push", trial, i)
			}
			if got != k {
				t.Fatalf("trial %d depth %d: Current() = %v, want %v", trial, i, got, k)
			}
			if s.OverrideDepth() != i+1 {
				t.Fatalf("trial %d: OverrideDepth() = %d, want %d", trial, s.OverrideDepth(), i+1)
			}
		}

		for i := depth - 1; i >= 0; i-- {
			got, _ := s.Current()
			if got != pushed[i] {
				t.Fatalf("trial %d unwind %d: Current() = %v, want %v", trial, i, got, pushed[i])
			}
			s.Pop()
			if i > 0 {
				got, explicit := s.Current()
				if !explicit || got != pushed[i-1] {
					t.Fatalf("trial %d unwind %d: restored %v, want %v", trial, i, got, pushed[i-1])
				}
			}
		}

		if s.OverrideDepth() != 0 {
			t.Fatalf("trial %d: depth = %d after full unwind, want 0", trial, s.OverrideDepth())
		}
		if _, explicit := s.Current(); explicit {
			t.Fatalf("trial %d: explicit override still reported after full unwind", trial)
		}
	}
}

// TestPopUnderflowAbsorbed checks pops with no matching push are counted,
// not fatal.
func TestPopUnderflowAbsorbed(t *testing.T) {
	s := NewState()
	s.Activate()

	s.Pop()
	s.Pop()
	if got := s.UnbalancedPops(); got != 2 {
		t.Fatalf("UnbalancedPops() = %d, want 2", got)
	}
	if s.OverrideDepth() != 0 {
		t.Fatalf("depth = %d after underflow, want 0", s.OverrideDepth())
	}
}

// TestDecisionCacheInvalidation checks that the cached classifier decision
// is dropped at the moments it could go stale.
func TestDecisionCacheInvalidation(t *testing.T) {
	s := NewState()
	s.Activate()

	if _, ok := s.CachedDecision(); ok {
		t.Fatal("fresh state reports a cached decision")
	}

	s.CacheDecision(kind.TaskTracked)
	if got, ok := s.CachedDecision(); !ok || got != kind.TaskTracked {
		t.Fatalf("CachedDecision() = %v,%v, want TaskTracked,true", got, ok)
	}

	// Entering the first override invalidates.
	s.Push(kind.Passthrough)
	s.Pop()
	if _, ok := s.CachedDecision(); ok {
		t.Fatal("cache survived override stack transition")
	}

	// Rebinding the task invalidates.
	s.CacheDecision(kind.TaskTracked)
	s.BindTask("t", &registry.TaskEntry{})
	if _, ok := s.CachedDecision(); ok {
		t.Fatal("cache survived task rebind")
	}

	s.CacheDecision(kind.TaskTracked)
	s.ClearTask()
	if _, ok := s.CachedDecision(); ok {
		t.Fatal("cache survived task clear")
	}
}

// TestTeardownWithActiveOverrides simulates abrupt destruction while
// override depth > 0: every subsequent query must degrade to safe defaults
// and no operation may panic.
func TestTeardownWithActiveOverrides(t *testing.T) {
	s := NewState()
	s.Activate()
	s.Push(kind.TaskTracked)
	s.Push(kind.TaskTracked)
	s.BindTask("t", &registry.TaskEntry{})

	s.Teardown()

	if s.OverrideDepth() != 0 {
		t.Fatalf("depth = %d after teardown, want 0", s.OverrideDepth())
	}
	if k, explicit := s.Current(); explicit || k != kind.Passthrough {
		t.Fatalf("Current() = %v,%v after teardown, want Passthrough,false", k, explicit)
	}
	if _, _, ok := s.ActiveTask(); ok {
		t.Fatal("task binding survived teardown")
	}

	// Guard machinery running from deferred code after teardown is
	// absorbed silently.
	s.Push(kind.Passthrough)
	s.Pop()
	s.Pop()
	s.CacheDecision(kind.TaskTracked)
	s.BindTask("late", &registry.TaskEntry{})
	if _, ok := s.CachedDecision(); ok {
		t.Fatal("cache writable after teardown")
	}
	if _, _, ok := s.ActiveTask(); ok {
		t.Fatal("task bindable after teardown")
	}
}

// TestArenaGetOrCreate tests lazy creation keyed by goroutine id.
func TestArenaGetOrCreate(t *testing.T) {
	a := NewArena()

	if s := a.Get(7); s != nil {
		t.Fatal("Get on empty arena returned a state")
	}

	s, created := a.GetOrCreate(7)
	if !created {
		t.Fatal("first GetOrCreate did not create")
	}
	if s.Phase() != Active {
		t.Fatalf("created state phase = %v, want Active", s.Phase())
	}

	again, created := a.GetOrCreate(7)
	if created {
		t.Fatal("second GetOrCreate created a new state")
	}
	if again != s {
		t.Fatal("GetOrCreate returned a different state for same gid")
	}
	if a.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", a.Size())
	}
}

// TestArenaTeardown tests that teardown poisons the state but keeps it
// indexed, so late allocations on the dying goroutine see TornDown instead
// of a fresh Active state.
func TestArenaTeardown(t *testing.T) {
	a := NewArena()
	s, _ := a.GetOrCreate(42)

	a.Teardown(42)
	a.Teardown(42) // idempotent

	if got := a.Get(42); got != s {
		t.Fatal("torn-down state no longer indexed")
	}
	if !s.TornDown() {
		t.Fatal("state not marked TornDown")
	}

	// A lookup on the dying goroutine must find the marker, not create.
	again, created := a.GetOrCreate(42)
	if created || again != s || !again.TornDown() {
		t.Fatal("GetOrCreate replaced the torn-down marker")
	}

	_, tornDown, _ := a.Stats()
	if tornDown != 1 {
		t.Fatalf("tornDown counter = %d, want 1", tornDown)
	}

	// The marker is reclaimed once the goroutine is no longer live.
	a.Sweep(map[int64]bool{})
	if a.Get(42) != nil {
		t.Fatal("torn-down state survived sweep")
	}
}

// TestArenaSweep tests reclamation of states for goroutines no longer
// alive.
func TestArenaSweep(t *testing.T) {
	a := NewArena()
	dead, _ := a.GetOrCreate(1)
	live, _ := a.GetOrCreate(2)

	a.Sweep(map[int64]bool{2: true})

	if a.Get(1) != nil || !dead.TornDown() {
		t.Fatal("dead goroutine state survived sweep")
	}
	if a.Get(2) != live || live.TornDown() {
		t.Fatal("live goroutine state was swept")
	}

	_, _, swept := a.Stats()
	if swept != 1 {
		t.Fatalf("swept counter = %d, want 1", swept)
	}
}

// TestArenaSweepNilLiveSet distinguishes "live set unknown" from "no
// goroutines live": a nil set must leave every state untouched, or a
// failed liveness capture would tear down running goroutines.
func TestArenaSweepNilLiveSet(t *testing.T) {
	a := NewArena()
	s, _ := a.GetOrCreate(9)

	a.Sweep(nil)

	if a.Get(9) != s {
		t.Fatal("state removed by nil-set sweep")
	}
	if s.TornDown() {
		t.Fatal("state torn down by nil-set sweep")
	}
	_, _, swept := a.Stats()
	if swept != 0 {
		t.Fatalf("swept counter = %d, want 0", swept)
	}
}

// TestArenaConcurrentCreate hammers GetOrCreate from many goroutines with
// distinct ids, mimicking a burst of new goroutines all allocating at once.
func TestArenaConcurrentCreate(t *testing.T) {
	a := NewArena()

	const goroutines = 32
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(gid int64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s, _ := a.GetOrCreate(gid)
				s.Push(kind.TaskTracked)
				s.Pop()
			}
		}(int64(g))
	}
	wg.Wait()

	if a.Size() != goroutines {
		t.Fatalf("Size() = %d, want %d", a.Size(), goroutines)
	}
	created, _, _ := a.Stats()
	if created != goroutines {
		t.Fatalf("created counter = %d, want %d", created, goroutines)
	}
}
