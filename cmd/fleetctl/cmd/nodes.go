package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type nodeView struct {
	ID            string    `json:"id"`
	Addr          string    `json:"addr"`
	Capacity      int       `json:"capacity"`
	Reserved      int       `json:"reserved"`
	Liveness      string    `json:"liveness"`
	Tags          []string  `json:"tags"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the hosting node fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		var nodes []nodeView
		if err := apiGet("/api/nodes", &nodes); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDR\tLIVENESS\tRESERVED\tCAPACITY\tLAST HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				n.ID, n.Addr, n.Liveness, n.Reserved, n.Capacity,
				n.LastHeartbeat.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}
