// Package memreport exports task allocation snapshots produced by the
// tracking runtime.
//
// The tracking core emits stats snapshots and nothing else; persistence
// and presentation live here, off the allocation path, where blocking and
// returning errors are both acceptable. The package offers a SQLite
// recorder for machine consumption (read back by the memtracker CLI) and
// a plain-text report for humans.
package memreport

import (
	"database/sql"
	"time"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"

	"github.com/pkg/errors"
	"github.com/tebeka/atexit"

	"github.com/kolkov/memtracker/memtrack"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_stats (
	task_id           TEXT PRIMARY KEY,
	bytes_allocated   INTEGER NOT NULL,
	bytes_freed       INTEGER NOT NULL,
	peak_bytes        INTEGER NOT NULL,
	live_allocations  INTEGER NOT NULL,
	allocation_events INTEGER NOT NULL,
	sealed            INTEGER NOT NULL,
	recorded_at       TEXT NOT NULL
);`

// Recorder writes snapshots to a SQLite database.
//
// Snapshots are buffered and written in one transaction per Flush; a
// Recorder registers itself with atexit so a program that forgets Close
// still gets its data on disk.
type Recorder struct {
	db   *sql.DB
	path string

	pending []memtrack.Snapshot
}

// NewRecorder opens (creating if needed) the database at path and ensures
// the schema exists.
func NewRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open stats database %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create task_stats table")
	}

	r := &Recorder{db: db, path: path}
	atexit.Register(func() { _ = r.Flush() })
	return r, nil
}

// Record buffers one snapshot for the next Flush.
func (r *Recorder) Record(s memtrack.Snapshot) {
	r.pending = append(r.pending, s)
}

// RecordAll buffers a batch, e.g. the slice returned by memtrack.Disable.
func (r *Recorder) RecordAll(snaps []memtrack.Snapshot) {
	r.pending = append(r.pending, snaps...)
}

// Flush writes all buffered snapshots in one transaction. A snapshot for
// an already-recorded task id replaces the earlier row; recording a live
// snapshot and later the sealed one leaves only the sealed row.
func (r *Recorder) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin snapshot transaction")
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO task_stats
		(task_id, bytes_allocated, bytes_freed, peak_bytes,
		 live_allocations, allocation_events, sealed, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare snapshot insert")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, s := range r.pending {
		sealed := 0
		if s.Sealed {
			sealed = 1
		}
		if _, err := stmt.Exec(
			string(s.TaskID),
			int64(s.BytesAllocated),
			int64(s.BytesFreed),
			int64(s.PeakBytes),
			s.LiveAllocations,
			int64(s.AllocationEvents),
			sealed,
			now,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "insert snapshot for task %s", s.TaskID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit snapshot transaction")
	}
	r.pending = nil
	return nil
}

// Close flushes and releases the database.
func (r *Recorder) Close() error {
	flushErr := r.Flush()
	if err := r.db.Close(); err != nil {
		return errors.Wrapf(err, "close stats database %s", r.path)
	}
	return flushErr
}

// ReadSnapshots loads every recorded snapshot from the database at path,
// ordered by net live bytes descending.
func ReadSnapshots(path string) ([]memtrack.Snapshot, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open stats database %s", path)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT task_id, bytes_allocated, bytes_freed, peak_bytes,
		       live_allocations, allocation_events, sealed
		FROM task_stats
		ORDER BY bytes_allocated - bytes_freed DESC, task_id`)
	if err != nil {
		return nil, errors.Wrap(err, "query task_stats")
	}
	defer rows.Close()

	var out []memtrack.Snapshot
	for rows.Next() {
		var id string
		var allocated, freed, peak, live, events int64
		var sealed int
		if err := rows.Scan(&id, &allocated, &freed, &peak, &live, &events, &sealed); err != nil {
			return nil, errors.Wrap(err, "scan task_stats row")
		}
		out = append(out, memtrack.Snapshot{
			TaskID:           memtrack.TaskID(id),
			BytesAllocated:   uint64(allocated),
			BytesFreed:       uint64(freed),
			PeakBytes:        uint64(peak),
			LiveAllocations:  live,
			AllocationEvents: uint64(events),
			Sealed:           sealed != 0,
		})
	}
	return out, errors.Wrap(rows.Err(), "iterate task_stats rows")
}
