// Package main implements the memtracker CLI tool.
//
// The memtracker tool inspects task allocation statistics that were
// exported to a SQLite database by memreport.Recorder. It does not attach
// to a running process; instrumented programs export their stats on the
// way out and memtracker reads the result.
//
// Usage:
//
//	memtracker report --db stats.db    # Print a task stats report
//	memtracker version                 # Show version information
package main

func main() {
	execute()
}
