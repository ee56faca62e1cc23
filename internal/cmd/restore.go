package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/semmidev/pgswap/internal/app"
	"github.com/semmidev/pgswap/internal/domain"
)

var (
	restoreSel    app.Selection
	restoreDestDB string
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup into staging and swap it in",
	Long: `Restore downloads the selected backup, restores it into <name>_restore,
validates it, terminates sessions on the databases involved and renames the
staging database into place. With --dest-db the restored data is promoted
under a new name and the active database is left untouched.`,
	Example: `  pgswap restore --date 2024-01-15
  pgswap restore --key postgres/backup-20240115-090000-app.dump.gz
  pgswap restore --latest --dest-db app_v2`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd, restoreSel, restoreDestDB)
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreSel.Date, "date", "", "date token matched against backup keys")
	restoreCmd.Flags().StringVar(&restoreSel.Key, "key", "", "exact backup key or file name")
	restoreCmd.Flags().BoolVar(&restoreSel.Latest, "latest", false, "restore the newest backup of the configured database")
	restoreCmd.Flags().BoolVar(&restoreSel.FirstMatch, "first-match", false, "when --date matches several backups, take the first listed")
	restoreCmd.Flags().StringVar(&restoreDestDB, "dest-db", "", "promote the restored data under this name")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, sel app.Selection, destDB string) error {
	selected := 0
	for _, set := range []bool{sel.Key != "", sel.Date != "", sel.Latest} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return usageErrorf("select exactly one backup with --date, --key or --latest")
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	artifact, err := a.Resolve(cmd.Context(), sel)
	if err != nil {
		var ambiguous *domain.AmbiguousArtifactError
		if errors.As(err, &ambiguous) {
			return usageErrorf("%w (or pass --first-match)", err)
		}
		return err
	}

	result, err := a.Restore(cmd.Context(), artifact, destDB)
	if err != nil {
		var runErr *domain.RunError
		if errors.As(err, &runErr) && runErr.Hint != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "hint: %s\n", runErr.Hint)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s restored into %s (run %s, %s)\n", artifact.Name, result.FinalName, result.RunID, result.Duration.Round(time.Second))
	if result.RetainedName != "" {
		fmt.Fprintf(out, "  previous data kept as %s\n", result.RetainedName)
	}
	return nil
}
