package memreport

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/memtracker/memtrack"
)

func sampleSnapshots() []memtrack.Snapshot {
	return []memtrack.Snapshot{
		{
			TaskID:           "compile",
			BytesAllocated:   25600,
			BytesFreed:       12800,
			PeakBytes:        25600,
			LiveAllocations:  200,
			AllocationEvents: 600,
			Sealed:           true,
		},
		{
			TaskID:           "lint",
			BytesAllocated:   1024,
			BytesFreed:       1024,
			PeakBytes:        512,
			LiveAllocations:  0,
			AllocationEvents: 8,
			Sealed:           false,
		},
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	r, err := NewRecorder(path)
	require.NoError(t, err)

	r.RecordAll(sampleSnapshots())
	require.NoError(t, r.Close())

	got, err := ReadSnapshots(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordered by net live bytes descending.
	assert.Equal(t, memtrack.TaskID("compile"), got[0].TaskID)
	assert.Equal(t, uint64(25600), got[0].BytesAllocated)
	assert.Equal(t, uint64(12800), got[0].BytesFreed)
	assert.Equal(t, uint64(25600), got[0].PeakBytes)
	assert.Equal(t, int64(200), got[0].LiveAllocations)
	assert.True(t, got[0].Sealed)

	assert.Equal(t, memtrack.TaskID("lint"), got[1].TaskID)
	assert.False(t, got[1].Sealed)
}

// TestRecorderReplacesRow updates a task's row on re-record, so a live
// snapshot followed by the sealed one leaves only the sealed row.
func TestRecorderReplacesRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	r, err := NewRecorder(path)
	require.NoError(t, err)

	live := memtrack.Snapshot{TaskID: "job", BytesAllocated: 100}
	r.Record(live)
	require.NoError(t, r.Flush())

	sealed := memtrack.Snapshot{TaskID: "job", BytesAllocated: 300, Sealed: true}
	r.Record(sealed)
	require.NoError(t, r.Close())

	got, err := ReadSnapshots(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(300), got[0].BytesAllocated)
	assert.True(t, got[0].Sealed)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	r, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, r.Flush())
	require.NoError(t, r.Close())

	got, err := ReadSnapshots(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadSnapshotsMissingTable(t *testing.T) {
	// A database file with no schema yields a query error, not a panic.
	path := filepath.Join(t.TempDir(), "empty.db")
	_, err := ReadSnapshots(path)
	assert.Error(t, err)
}

func TestTextReport(t *testing.T) {
	var buf bytes.Buffer
	diags := memtrack.Diagnostics{MissedUpdates: 3, SealedWrites: 1}

	require.NoError(t, TextReport(&buf, sampleSnapshots(), diags))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "TASK"), "header row first")
	assert.Contains(t, out, "compile")
	assert.Contains(t, out, "25600")
	assert.Contains(t, out, "lint")
	assert.Contains(t, out, "3 missed updates")
	assert.Contains(t, out, "1 sealed writes")
}
