package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type statsView struct {
	AllocationAttempts  uint64 `json:"allocationAttempts"`
	AllocationSuccesses uint64 `json:"allocationSuccesses"`
	AllocationFailures  uint64 `json:"allocationFailures"`
	NodeEvictions       uint64 `json:"nodeEvictions"`
	SessionsCreated     uint64 `json:"sessionsCreated"`
	SessionsEnded       uint64 `json:"sessionsEnded"`
	SessionsAborted     uint64 `json:"sessionsAborted"`
	NodesOnline         int    `json:"nodesOnline"`
	ReservedCapacity    int    `json:"reservedCapacity"`
	TotalCapacity       int    `json:"totalCapacity"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show allocation counters and registry occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats statsView
		if err := apiGet("/api/stats", &stats); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "nodes online\t%d\n", stats.NodesOnline)
		fmt.Fprintf(w, "occupancy\t%d/%d\n", stats.ReservedCapacity, stats.TotalCapacity)
		fmt.Fprintf(w, "allocations\t%d attempts, %d ok, %d failed\n",
			stats.AllocationAttempts, stats.AllocationSuccesses, stats.AllocationFailures)
		fmt.Fprintf(w, "evictions\t%d\n", stats.NodeEvictions)
		fmt.Fprintf(w, "sessions\t%d created, %d ended, %d aborted\n",
			stats.SessionsCreated, stats.SessionsEnded, stats.SessionsAborted)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
