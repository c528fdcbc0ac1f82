// Package registry maintains per-task allocation statistics.
//
// The registry is the only truly shared, multi-writer resource in the
// tracking runtime. It is written from every goroutine that performs a
// tracked allocation, so the design splits into two tiers:
//
//   - Per-entry counters are lock-free atomics. The dispatcher holds a
//     cached *TaskEntry in per-goroutine state and increments counters
//     directly, with no map access and no lock.
//
//   - The id -> entry map is guarded by a budget-bounded mutex
//     (failsafe.TimedMutex). Task lifecycle operations (BeginTask,
//     EndTask, Lookup, Purge) run off the allocation path and may block;
//     id-keyed updates and diagnostic reads issued from the allocation
//     path give up at the budget and count a missed update instead of
//     blocking.
//
// Ordering: updates from a single goroutine to a single task are applied
// in issue order; updates from different goroutines are unordered relative
// to each other but none are lost. Callers must not assume a specific
// interleaving.
//
// A Registry is a lifecycle-scoped value: it is created when tracking is
// enabled and dropped when tracking is disabled. It is never an ambient
// singleton.
package registry

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/kolkov/memtracker/internal/memtrack/failsafe"
)

// TaskID identifies one unit of tracked work. IDs are opaque to the
// registry; tracked work may migrate between goroutines, so a task is
// never assumed to have affinity to the goroutine that began it.
type TaskID string

// Registry errors. All are caller-logic diagnostics, never panics.
var (
	// ErrTaskExists is returned by BeginTask for an id that already has a
	// live (unsealed and unpurged) entry.
	ErrTaskExists = errors.New("memtrack: task already begun")

	// ErrTaskNotFound is returned for operations against an unknown id.
	ErrTaskNotFound = errors.New("memtrack: task not found")

	// ErrTaskSealed is returned when a record arrives after EndTask.
	// The update is rejected and counted, the sealed snapshot is not
	// touched.
	ErrTaskSealed = errors.New("memtrack: task already ended")
)

// EventKind describes the allocation event being recorded.
type EventKind uint8

const (
	// EventAlloc is a fresh allocation; delta is the block size.
	EventAlloc EventKind = iota

	// EventFree releases a previously recorded allocation; delta is the
	// size of the freed block.
	EventFree

	// EventRealloc resizes a live allocation in place; delta is the signed
	// size change and the live allocation count is unchanged.
	EventRealloc
)

// Snapshot is an immutable copy of a task's counters.
//
// The snapshot returned by EndTask is the task's sealed, final record;
// snapshots returned by LiveSnapshot are best-effort reads of a task still
// in flight.
type Snapshot struct {
	TaskID           TaskID
	BytesAllocated   uint64
	BytesFreed       uint64
	PeakBytes        uint64
	LiveAllocations  int64
	AllocationEvents uint64
	Sealed           bool
}

// NetBytes returns the net live byte count captured by the snapshot.
func (s Snapshot) NetBytes() int64 {
	//nolint:gosec // counters are bounded by actual allocation volume
	return int64(s.BytesAllocated) - int64(s.BytesFreed)
}

// TaskEntry holds the live counters for one task.
//
// All counters are atomics so concurrent recorders on different goroutines
// never contend on a lock. PeakBytes is a high-water mark of
// BytesAllocated - BytesFreed maintained with a CAS loop.
//
// The entry pointer is handed to the dispatcher once per task binding and
// cached in per-goroutine state; the hot path touches only this struct.
type TaskEntry struct {
	id TaskID

	bytesAllocated   atomic.Uint64
	bytesFreed       atomic.Uint64
	peakBytes        atomic.Uint64
	liveAllocations  atomic.Int64
	allocationEvents atomic.Uint64

	sealed atomic.Bool

	// final is the sealed snapshot, set exactly once by seal(). Queries on
	// a sealed entry serve this copy so late racing updates can never
	// change what EndTask reported.
	final atomic.Pointer[Snapshot]
}

// ID returns the task id this entry aggregates for.
func (e *TaskEntry) ID() TaskID {
	return e.id
}

// Sealed reports whether the task has ended.
func (e *TaskEntry) Sealed() bool {
	return e.sealed.Load()
}

// Record applies one allocation event to the entry.
//
// Returns ErrTaskSealed if the task has ended; the entry is not modified.
// Updates racing with EndTask are accepted until the seal is visible and
// rejected after; either outcome leaves the aggregate consistent.
//
// This is the hot-path update: lock-free, allocation-free, and safe for
// concurrent callers on any goroutine.
//
//go:nosplit
func (e *TaskEntry) Record(delta int64, ev EventKind) error {
	if e.sealed.Load() {
		return ErrTaskSealed
	}

	switch ev {
	case EventAlloc:
		//nolint:gosec // alloc deltas are positive by contract
		e.bytesAllocated.Add(uint64(delta))
		e.liveAllocations.Add(1)
	case EventFree:
		//nolint:gosec // free deltas are positive by contract
		e.bytesFreed.Add(uint64(delta))
		e.liveAllocations.Add(-1)
	case EventRealloc:
		if delta >= 0 {
			e.bytesAllocated.Add(uint64(delta))
		} else {
			e.bytesFreed.Add(uint64(-delta))
		}
	}
	e.allocationEvents.Add(1)

	e.updatePeak()
	return nil
}

// updatePeak raises the high-water mark to the current net live bytes if
// the net has grown past the recorded peak.
//
// CAS loop instead of a lock: contention on the same entry is resolved by
// retrying against the freshest peak, and a stale loser simply observes
// that someone else already raised the mark further.
func (e *TaskEntry) updatePeak() {
	allocated := e.bytesAllocated.Load()
	freed := e.bytesFreed.Load()
	if freed >= allocated {
		return
	}
	net := allocated - freed

	for {
		cur := e.peakBytes.Load()
		if net <= cur {
			return
		}
		if e.peakBytes.CompareAndSwap(cur, net) {
			return
		}
	}
}

// snapshot copies the counters. Not synchronized beyond the atomics; for
// a sealed entry the copy is exact, for a live entry it is best-effort.
func (e *TaskEntry) snapshot() Snapshot {
	return Snapshot{
		TaskID:           e.id,
		BytesAllocated:   e.bytesAllocated.Load(),
		BytesFreed:       e.bytesFreed.Load(),
		PeakBytes:        e.peakBytes.Load(),
		LiveAllocations:  e.liveAllocations.Load(),
		AllocationEvents: e.allocationEvents.Load(),
		Sealed:           e.sealed.Load(),
	}
}

// seal marks the entry ended and freezes its final snapshot.
// Idempotent: only the first call captures the snapshot.
func (e *TaskEntry) seal() Snapshot {
	if e.sealed.CompareAndSwap(false, true) {
		s := e.snapshot()
		s.Sealed = true
		e.final.Store(&s)
		return s
	}
	return *e.final.Load()
}

// Diagnostics reports failures the registry absorbed instead of
// propagating. All values are cumulative since the registry was created.
type Diagnostics struct {
	// MissedUpdates counts events dropped because the registry lock could
	// not be acquired within budget.
	MissedUpdates uint64

	// SealedWrites counts Record calls rejected because the task had
	// already ended.
	SealedWrites uint64
}

// Registry maps task ids to their stats entries.
type Registry struct {
	mu         failsafe.TimedMutex
	lockBudget time.Duration

	// tasks is guarded by mu. Entries themselves are lock-free.
	tasks map[TaskID]*TaskEntry

	missedUpdates atomic.Uint64
	sealedWrites  atomic.Uint64
}

// NewRegistry creates an empty registry whose budget-bounded operations
// give up after lockBudget. A non-positive budget selects
// failsafe.DefaultLockBudget.
func NewRegistry(lockBudget time.Duration) *Registry {
	if lockBudget <= 0 {
		lockBudget = failsafe.DefaultLockBudget
	}
	return &Registry{
		lockBudget: lockBudget,
		tasks:      make(map[TaskID]*TaskEntry),
	}
}

// BeginTask creates the stats entry for id and returns it.
//
// The returned entry pointer is what the dispatcher caches per goroutine;
// any number of goroutines may record against it concurrently.
//
// BeginTask runs off the allocation path and blocks on the registry lock
// unconditionally. Returns ErrTaskExists if id already has an entry that
// has not been purged.
func (r *Registry) BeginTask(id TaskID) (*TaskEntry, error) {
	if id == "" {
		return nil, ErrTaskNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		return nil, ErrTaskExists
	}
	e := &TaskEntry{id: id}
	r.tasks[id] = e
	return e, nil
}

// Lookup returns the entry for id, blocking on the registry lock.
// Intended for lifecycle code, not the allocation path.
func (r *Registry) Lookup(id TaskID) (*TaskEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

// Record applies one event to an entry obtained from BeginTask or Lookup.
//
// This is the preferred hot-path form: no map access, no lock. A rejected
// write against a sealed task is counted and reported as ErrTaskSealed.
func (r *Registry) Record(e *TaskEntry, delta int64, ev EventKind) error {
	if e == nil {
		return ErrTaskNotFound
	}
	if err := e.Record(delta, ev); err != nil {
		r.sealedWrites.Add(1)
		return err
	}
	return nil
}

// RecordByID applies one event to the task named by id.
//
// This form exists for callers that hold only the id, such as work handed
// off between goroutines without rebinding. The map read is bounded by the
// lock budget: if the lock cannot be acquired in time the event is dropped,
// counted as a missed update, and never retried within the same call.
func (r *Registry) RecordByID(id TaskID, delta int64, ev EventKind) error {
	if !r.mu.AcquireWithin(r.lockBudget) {
		r.missedUpdates.Add(1)
		return nil
	}
	e, ok := r.tasks[id]
	r.mu.Unlock()

	if !ok {
		return ErrTaskNotFound
	}
	return r.Record(e, delta, ev)
}

// EndTask seals the task and returns its final snapshot.
//
// Sealing is one-way: subsequent Record calls are rejected and counted.
// The entry remains queryable (LiveSnapshot serves the sealed copy) until
// Purge removes it; bounded retention is the caller's policy.
func (r *Registry) EndTask(id TaskID) (Snapshot, error) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	r.mu.Unlock()

	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return e.seal(), nil
}

// LiveSnapshot returns a best-effort copy of the task's current counters.
//
// Safe to call from diagnostic code while the task is being recorded
// against; consistency between counters is best-effort for live tasks and
// exact for sealed ones. The second result is false if the task is unknown
// or the registry lock could not be acquired within budget.
func (r *Registry) LiveSnapshot(id TaskID) (Snapshot, bool) {
	if !r.mu.AcquireWithin(r.lockBudget) {
		r.missedUpdates.Add(1)
		return Snapshot{}, false
	}
	e, ok := r.tasks[id]
	r.mu.Unlock()

	if !ok {
		return Snapshot{}, false
	}
	if f := e.final.Load(); f != nil {
		return *f, true
	}
	return e.snapshot(), true
}

// Purge removes the entry for id, sealed or not.
// Returns ErrTaskNotFound if the id is unknown.
func (r *Registry) Purge(id TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}

// Snapshots returns best-effort snapshots of every task, for reporting.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	entries := make([]*TaskEntry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if f := e.final.Load(); f != nil {
			out = append(out, *f)
			continue
		}
		out = append(out, e.snapshot())
	}
	return out
}

// CountMissedUpdate records an update dropped outside the registry, such
// as a dispatcher that could not reach its per-goroutine state in time.
func (r *Registry) CountMissedUpdate() {
	r.missedUpdates.Add(1)
}

// Diagnostics returns the registry's absorbed-failure counters.
func (r *Registry) Diagnostics() Diagnostics {
	return Diagnostics{
		MissedUpdates: r.missedUpdates.Load(),
		SealedWrites:  r.sealedWrites.Load(),
	}
}

// LockBudget returns the configured acquisition budget.
func (r *Registry) LockBudget() time.Duration {
	return r.lockBudget
}

// holdLock grabs the registry lock unconditionally and returns the
// release function. Test hook for exercising the timeout path.
func (r *Registry) holdLock() func() {
	r.mu.Lock()
	return r.mu.Unlock
}
