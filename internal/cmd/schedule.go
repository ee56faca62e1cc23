package cmd

import (
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run backups on backup.schedule until interrupted",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		// Blocks until SIGINT or SIGTERM cancels the command context.
		return a.Schedule(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
