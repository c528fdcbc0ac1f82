package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/memtracker/memreport"
)

var (
	reportDB   string
	reportTask string
)

func init() {
	cmd := newReportCmd()
	cmd.Flags().StringVar(&reportDB, "db", "", "Path to an exported stats database (required)")
	cmd.Flags().StringVar(&reportTask, "task", "", "Report a single task instead of all tasks")
	rootCmd.AddCommand(cmd)
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report --db <file>",
		Short: "Print a task allocation report",
		Long: `The report command reads task snapshots from a stats database and
prints them as a table, ordered by net live bytes.

Example:
  memtracker report --db stats.db
  memtracker report --db stats.db --task compile
  memtracker report --db stats.db --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport()
		},
	}
	return cmd
}

func runReport() error {
	if reportDB == "" {
		return fmt.Errorf("--db is required")
	}

	snaps, err := memreport.ReadSnapshots(reportDB)
	if err != nil {
		return fmt.Errorf("failed to read stats database: %w", err)
	}

	if reportTask != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if string(s.TaskID) == reportTask {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("no task %q in %s", reportTask, reportDB)
		}
		snaps = filtered
	}

	if jsonOut {
		return printJSON(snaps)
	}

	if len(snaps) == 0 {
		printInfo("no tasks recorded in %s\n", reportDB)
		return nil
	}
	return memreport.SnapshotTable(os.Stdout, snaps)
}
