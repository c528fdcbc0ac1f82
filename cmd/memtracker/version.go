package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/memtracker/memtrack"
)

var version = memtrack.Version

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memtracker %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
