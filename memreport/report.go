package memreport

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shirou/gopsutil/process"

	"github.com/kolkov/memtracker/memtrack"
)

// SnapshotTable writes a human-readable table of task snapshots to w.
func SnapshotTable(w io.Writer, snaps []memtrack.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "TASK\tALLOCATED\tFREED\tNET\tPEAK\tLIVE\tEVENTS\tSEALED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%v\n",
			s.TaskID,
			s.BytesAllocated,
			s.BytesFreed,
			s.NetBytes(),
			s.PeakBytes,
			s.LiveAllocations,
			s.AllocationEvents,
			s.Sealed,
		)
	}
	return tw.Flush()
}

// TextReport writes the snapshot table followed by tracker diagnostics and
// the host process's memory usage for scale.
func TextReport(w io.Writer, snaps []memtrack.Snapshot, diags memtrack.Diagnostics) error {
	if err := SnapshotTable(w, snaps); err != nil {
		return err
	}

	fmt.Fprintf(w, "\ntracker: %d missed updates, %d sealed writes, %d state failures, %d classifier fallbacks\n",
		diags.MissedUpdates, diags.SealedWrites, diags.StateFailures, diags.ClassifierFallbacks)

	// Process RSS is best-effort context, not tracker data; a failure to
	// read it is not a report failure.
	if rss, ok := processRSS(); ok {
		fmt.Fprintf(w, "process: %d bytes resident\n", rss)
	}
	return nil
}

// processRSS reads the current process's resident set size.
func processRSS() (uint64, bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS, true
}
