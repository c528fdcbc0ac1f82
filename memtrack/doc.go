// Package memtrack provides the public API for the task-attributed
// allocation tracker.
//
// The tracker sits between a host runtime's allocation hooks and the code
// being profiled. Every allocate, reallocate and free is dispatched
// through it and attributed either to tracker infrastructure (no
// bookkeeping) or to an instrumented task (byte and event counters). The
// dispatcher is non-blocking and crash-proof by construction: any internal
// failure, including a goroutine mid-teardown, degrades to the untracked
// path for that single event, and nothing in this package ever returns an
// error to an allocation request.
//
// # Quick Start
//
//	package main
//
//	import (
//		"fmt"
//
//		"github.com/kolkov/memtracker/memtrack"
//	)
//
//	func main() {
//		memtrack.Enable()
//		defer memtrack.Disable()
//
//		id := memtrack.NewTaskID()
//		memtrack.BeginTask(id)
//		memtrack.SetActiveTask(id)
//
//		g := memtrack.EnterScope(memtrack.TaskTracked)
//		b := memtrack.Alloc(1024)
//		g.Release()
//
//		memtrack.Free(b)
//
//		stats, _ := memtrack.EndTask(id)
//		fmt.Println(stats.BytesAllocated, stats.BytesFreed)
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Lifecycle: [Enable], [EnableWithConfig], [Disable], [Enabled]
//   - Scope overrides: [EnterScope] and Guard.Release
//   - Task lifecycle: [BeginTask], [SetActiveTask], [ClearActiveTask],
//     [EndTask], [PurgeTask], [NewTaskID]
//   - Allocation hooks: [Alloc], [Realloc], [Free]
//   - Diagnostics: [TaskSnapshot], [CollectDiagnostics], [GetInfo]
//
// # Attribution model
//
// Which task an allocation belongs to is always explicit. A goroutine
// binds a task with [SetActiveTask]; the goroutine id is only the index
// for the per-goroutine fast path, never a stand-in for task identity.
// Task-to-goroutine is many-to-many: several goroutines may record
// against one task, and handed-off work that carries only the id can use
// [RecordForTask].
//
// Scope guards are the primary classification mechanism. Infrastructure
// code wraps itself in a Passthrough scope; the stack-matching classifier
// only runs as a fallback for call sites with no guard in effect, and its
// answers are cached per goroutine.
//
// # Failure model
//
// Profiling may undercount, the host program never hangs or crashes on
// the tracker's account. Dropped registry updates, writes against ended
// tasks, and unreachable per-goroutine state are each absorbed and
// surfaced only through [CollectDiagnostics].
package memtrack
