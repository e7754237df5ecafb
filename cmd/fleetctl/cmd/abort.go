package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Force-terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sess sessionView
		if err := apiPost("/api/sessions/"+args[0]+"/abort", nil, &sess); err != nil {
			return err
		}
		fmt.Printf("session %s aborted (version %d)\n", sess.ID, sess.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(abortCmd)
}
