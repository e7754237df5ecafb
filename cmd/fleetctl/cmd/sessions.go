package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type slotView struct {
	Player string `json:"player"`
}

type sessionView struct {
	ID        string     `json:"id"`
	Creator   string     `json:"creator"`
	State     string     `json:"state"`
	Slots     []slotView `json:"slots"`
	NodeID    string     `json:"nodeId"`
	Version   uint64     `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (s *sessionView) seated() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.Player != "" {
			n++
		}
	}
	return n
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List sessions, or show one session in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			var raw json.RawMessage
			if err := apiGet("/api/sessions/"+args[0], &raw); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return err
			}
			fmt.Println(pretty.String())
			return nil
		}

		var sessions []sessionView
		if err := apiGet("/api/sessions", &sessions); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tSEATED\tSLOTS\tNODE\tVERSION\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
				s.ID, s.State, s.seated(), len(s.Slots), s.NodeID, s.Version,
				s.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
