// Package kind defines the allocator kinds the dispatcher routes between.
//
// Every allocation request resolves to exactly one Kind before it is
// serviced:
//   - Passthrough: the request goes straight to the plain backend with no
//     bookkeeping. Used for tracker-internal allocations to avoid recursive
//     tracking and self-measurement.
//   - TaskTracked: the request is serviced by the tracked backend, which
//     records the size delta against the goroutine's active task.
//
// Kind is a single byte so it can be pushed onto per-goroutine override
// stacks and cached in per-goroutine state without allocation.
package kind

// Kind selects the backend that services an allocation request.
type Kind uint8

const (
	// Passthrough performs no bookkeeping. This is the safe default: every
	// internal failure in the tracking machinery degrades to Passthrough so
	// the host program's allocation always succeeds on the backend's own
	// terms.
	Passthrough Kind = iota

	// TaskTracked records size deltas against the active task of the
	// goroutine issuing the request.
	TaskTracked
)

// String returns a human-readable name for the kind.
//
// Unknown values format as "Kind(N)" rather than panicking; the dispatcher
// may see garbage kinds if per-goroutine state is read mid-teardown, and
// diagnostics must still be printable.
func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "Passthrough"
	case TaskTracked:
		return "TaskTracked"
	default:
		return "Kind(" + itoa(uint8(k)) + ")"
	}
}

// Valid reports whether k is one of the defined kinds.
//
//go:nosplit
func (k Kind) Valid() bool {
	return k == Passthrough || k == TaskTracked
}

// itoa formats a uint8 without importing strconv, keeping this leaf
// package import-free.
func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = '0' + v%10
		v /= 10
	}
	return string(buf[i:])
}
