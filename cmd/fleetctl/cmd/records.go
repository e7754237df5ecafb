package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type recordView struct {
	SessionID string    `json:"SessionID"`
	Creator   string    `json:"Creator"`
	State     string    `json:"State"`
	NodeID    string    `json:"NodeID"`
	Reason    string    `json:"Reason"`
	EndedAt   time.Time `json:"EndedAt"`
}

var recordsLimit int

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Show recent terminal session records",
	RunE: func(cmd *cobra.Command, args []string) error {
		var recs []recordView
		if err := apiGet(fmt.Sprintf("/api/records?limit=%d", recordsLimit), &recs); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATE\tCREATOR\tNODE\tREASON\tENDED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.SessionID, r.State, r.Creator, r.NodeID, r.Reason,
				r.EndedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 20, "Max records to fetch")
	rootCmd.AddCommand(recordsCmd)
}
