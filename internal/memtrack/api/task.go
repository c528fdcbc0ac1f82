package api

import "github.com/kolkov/memtracker/internal/memtrack/registry"

// Task lifecycle and binding.
//
// A task is a unit of tracked work named by an opaque id. Task-to-
// goroutine is many-to-many: any number of goroutines may bind the same
// task, and a goroutine may rebind as work migrates. The registry update
// path never cares which goroutine issues an update for a given id.

// BeginTask creates the stats entry for id. Allocations are attributed to
// it only on goroutines that bind it with SetActiveTask.
func BeginTask(id registry.TaskID) error {
	rt := currentRuntime()
	if rt == nil {
		return ErrDisabled
	}
	_, err := rt.registry.BeginTask(id)
	return err
}

// EndTask seals id and returns its final snapshot. One-way; later writes
// against the task are rejected and counted.
func EndTask(id registry.TaskID) (registry.Snapshot, error) {
	rt := currentRuntime()
	if rt == nil {
		return registry.Snapshot{}, ErrDisabled
	}
	return rt.registry.EndTask(id)
}

// SetActiveTask binds id to the calling goroutine: tracked allocations
// dispatched on this goroutine are recorded against it until rebind,
// ClearActiveTask, or teardown.
func SetActiveTask(id registry.TaskID) error {
	rt := currentRuntime()
	if rt == nil {
		return ErrDisabled
	}

	entry, err := rt.registry.Lookup(id)
	if err != nil {
		return err
	}
	if entry.Sealed() {
		return registry.ErrTaskSealed
	}

	s := rt.lookupState()
	if s == nil || s.TornDown() {
		return ErrDisabled
	}
	s.BindTask(id, entry)
	return nil
}

// ClearActiveTask removes the calling goroutine's task binding.
func ClearActiveTask() {
	rt := currentRuntime()
	if rt == nil {
		return
	}
	if s := rt.lookupState(); s != nil {
		s.ClearTask()
	}
}

// ActiveTask returns the calling goroutine's bound task id, if any.
func ActiveTask() (registry.TaskID, bool) {
	rt := currentRuntime()
	if rt == nil {
		return "", false
	}
	s := rt.lookupState()
	if s == nil {
		return "", false
	}
	id, _, ok := s.ActiveTask()
	return id, ok
}

// TaskSnapshot returns a best-effort view of id's current counters, for
// diagnostics while the task is still in flight. The read is bounded by
// the registry lock budget; ok is false if the task is unknown or the
// budget expired.
func TaskSnapshot(id registry.TaskID) (registry.Snapshot, bool) {
	rt := currentRuntime()
	if rt == nil {
		return registry.Snapshot{}, false
	}
	return rt.registry.LiveSnapshot(id)
}

// RecordForTask applies one event to id without a goroutine binding, for
// work handed off between goroutines that carries only the id. Bounded by
// the lock budget; a missed acquisition drops the event and counts it.
func RecordForTask(id registry.TaskID, delta int64, ev registry.EventKind) error {
	rt := currentRuntime()
	if rt == nil {
		return ErrDisabled
	}
	return rt.registry.RecordByID(id, delta, ev)
}

// PurgeTask removes a task entry, sealed or not. Retention policy belongs
// to the caller; the runtime keeps sealed entries until told otherwise.
func PurgeTask(id registry.TaskID) error {
	rt := currentRuntime()
	if rt == nil {
		return ErrDisabled
	}
	return rt.registry.Purge(id)
}
