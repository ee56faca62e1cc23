package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semmidev/pgswap/internal/app"
	"github.com/semmidev/pgswap/internal/config"
)

var (
	configPath string

	// Flags of the legacy single-command interface.
	legacyAction string
	legacyDate   string
	legacyDestDB string
)

var rootCmd = &cobra.Command{
	Use:   "pgswap",
	Short: "PostgreSQL backup and restore with atomic swap",
	Long: `pgswap backs a PostgreSQL database up to object storage and restores a
chosen backup into a staging database, validates it, evicts connected clients
and swaps it in place of the active database.`,
	Args:          noArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch legacyAction {
		case "":
			return cmd.Help()
		case "list":
			return runList(cmd, "")
		case "list_dbs":
			return runListDatabases(cmd)
		case "backup":
			return runBackup(cmd)
		case "restore":
			return runRestore(cmd, app.Selection{Date: legacyDate}, legacyDestDB)
		default:
			return usageErrorf("unknown --action %q (use list, list_dbs, backup or restore)", legacyAction)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/pgswap.yaml", "path to config file (YAML or INI)")
	rootCmd.PersistentFlags().StringVar(&configPath, "configfile", "configs/pgswap.yaml", "alias of --config")
	_ = rootCmd.PersistentFlags().MarkHidden("configfile")

	rootCmd.Flags().StringVar(&legacyAction, "action", "", "list, list_dbs, backup or restore")
	rootCmd.Flags().StringVar(&legacyDate, "date", "", "date token selecting the backup to restore")
	rootCmd.Flags().StringVar(&legacyDestDB, "dest-db", "", "promote the restored data under this name")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openApp loads the configuration and builds the application for one command.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &usageError{fmt.Errorf("load config: %w", err)}
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize app: %w", err)
	}
	return a, nil
}
