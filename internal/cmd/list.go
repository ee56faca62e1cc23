package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var listSourceDB string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups, oldest first",
	Args:  noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, listSourceDB)
	},
}

var listDatabasesCmd = &cobra.Command{
	Use:     "list_dbs",
	Aliases: []string{"list-dbs"},
	Short:   "List databases on the target server",
	Args:    noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runListDatabases(cmd)
	},
}

func init() {
	listCmd.Flags().StringVar(&listSourceDB, "source-db", "", "only show backups of this database")
	rootCmd.AddCommand(listCmd, listDatabasesCmd)
}

func runList(cmd *cobra.Command, sourceDB string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	artifacts, err := a.Artifacts(cmd.Context(), sourceDB)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDATABASE\tCREATED\tSIZE\tAGE")
	for _, art := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			art.Key,
			art.Database,
			art.CreatedAt.Format(time.DateTime),
			humanize.Bytes(uint64(art.Size)),
			humanize.Time(art.CreatedAt),
		)
	}
	return w.Flush()
}

func runListDatabases(cmd *cobra.Command) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.Databases(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROLE\tSIZE\tSESSIONS")
	for _, row := range rows {
		role := string(row.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", row.Name, role, humanize.Bytes(uint64(row.Size)), row.Sessions)
	}
	return w.Flush()
}
