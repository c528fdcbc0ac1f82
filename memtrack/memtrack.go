// Package memtrack wraps the internal tracking runtime.
//
// See doc.go for detailed documentation and examples.
package memtrack

import (
	"github.com/rs/xid"

	internal "github.com/kolkov/memtracker/internal/memtrack/api"
	"github.com/kolkov/memtracker/internal/memtrack/kind"
	"github.com/kolkov/memtracker/internal/memtrack/registry"
)

// Kind selects the backend an allocation is routed to.
type Kind = kind.Kind

// Allocator kinds.
const (
	// Passthrough performs no bookkeeping.
	Passthrough = kind.Passthrough

	// TaskTracked records size deltas against the active task.
	TaskTracked = kind.TaskTracked
)

// TaskID identifies one unit of tracked work.
type TaskID = registry.TaskID

// Snapshot is a copy of a task's counters; the one returned by EndTask is
// the task's sealed, immutable record.
type Snapshot = registry.Snapshot

// EventKind describes an allocation event for RecordForTask.
type EventKind = registry.EventKind

// Allocation event kinds.
const (
	EventAlloc   = registry.EventAlloc
	EventFree    = registry.EventFree
	EventRealloc = registry.EventRealloc
)

// Guard represents one entered scope; Release pops it.
type Guard = internal.Guard

// Block is one serviced allocation.
type Block = internal.Block

// Config carries Enable-time tunables.
type Config = internal.Config

// Diagnostics aggregates the tracker's absorbed-failure counters.
type Diagnostics = internal.Diagnostics

// Errors surfaced by task lifecycle operations. Allocation hooks never
// return errors.
var (
	ErrDisabled     = internal.ErrDisabled
	ErrTaskExists   = registry.ErrTaskExists
	ErrTaskNotFound = registry.ErrTaskNotFound
	ErrTaskSealed   = registry.ErrTaskSealed
)

// Enable turns tracking on with default configuration.
//
// Until Enable is called the dispatcher resolves Passthrough with a
// single flag check, so installed hooks cost next to nothing.
func Enable() {
	internal.Enable(internal.Config{})
}

// EnableWithConfig turns tracking on with explicit tunables.
func EnableWithConfig(cfg Config) {
	internal.Enable(cfg)
}

// Disable turns tracking off and returns a final best-effort snapshot of
// every task the runtime knew about, for export.
func Disable() []Snapshot {
	return internal.Disable()
}

// Enabled reports whether tracking is on.
func Enabled() bool {
	return internal.Enabled()
}

// EnterScope forces k for the calling goroutine's dynamic extent until
// the returned guard is released. Scopes nest; release order is strict
// LIFO per goroutine:
//
//	g := memtrack.EnterScope(memtrack.Passthrough)
//	defer g.Release()
func EnterScope(k Kind) *Guard {
	return internal.EnterScope(k)
}

// NewTaskID generates a fresh globally-unique task id.
func NewTaskID() TaskID {
	return TaskID(xid.New().String())
}

// BeginTask creates the stats entry for id.
func BeginTask(id TaskID) error {
	return internal.BeginTask(id)
}

// SetActiveTask binds id to the calling goroutine; tracked allocations
// dispatched on it are attributed to the task until rebind or
// ClearActiveTask.
func SetActiveTask(id TaskID) error {
	return internal.SetActiveTask(id)
}

// ClearActiveTask removes the calling goroutine's task binding.
func ClearActiveTask() {
	internal.ClearActiveTask()
}

// ActiveTask returns the calling goroutine's bound task id, if any.
func ActiveTask() (TaskID, bool) {
	return internal.ActiveTask()
}

// EndTask seals id and returns its final stats snapshot. Sealing is
// one-way; later writes against the task are rejected and counted as
// diagnostics.
func EndTask(id TaskID) (Snapshot, error) {
	return internal.EndTask(id)
}

// TaskSnapshot returns a best-effort view of an in-flight task's current
// counters. ok is false if the task is unknown or the registry lock
// budget expired.
func TaskSnapshot(id TaskID) (Snapshot, bool) {
	return internal.TaskSnapshot(id)
}

// RecordForTask attributes one event to id without a goroutine binding,
// for work handed off between goroutines.
func RecordForTask(id TaskID, deltaBytes int64, ev EventKind) error {
	return internal.RecordForTask(id, deltaBytes, ev)
}

// PurgeTask removes a task entry; retention of sealed tasks is the
// caller's policy.
func PurgeTask(id TaskID) error {
	return internal.PurgeTask(id)
}

// Alloc services an allocation request of size bytes through the
// dispatcher. Never fails for tracking reasons.
func Alloc(size int) *Block {
	return internal.Alloc(size)
}

// Realloc resizes a block in place, preserving contents and attribution.
func Realloc(b *Block, size int) *Block {
	return internal.Realloc(b, size)
}

// Free returns a block's storage, balancing the counters of whichever
// backend allocated it. Double frees are absorbed.
func Free(b *Block) {
	internal.Free(b)
}

// TeardownCurrentGoroutine destroys the calling goroutine's tracking
// state, as a host runtime does when thread-local storage is destructed.
// Later allocations on the goroutine resolve Passthrough.
func TeardownCurrentGoroutine() {
	internal.TeardownCurrentGoroutine()
}

// CollectDiagnostics returns the absorbed-failure and bookkeeping
// counters. Zero-valued while tracking is disabled.
func CollectDiagnostics() Diagnostics {
	return internal.CollectDiagnostics()
}
