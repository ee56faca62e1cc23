package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump, compress and upload the configured database",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd)
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Backup(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%s)\n", result.Artifact.Key, humanize.Bytes(uint64(result.Artifact.Size)))
	if len(result.MirrorFailures) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "! not mirrored to: %v\n", result.MirrorFailures)
	}
	return nil
}
