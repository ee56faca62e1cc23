package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/semmidev/pgswap/internal/usecase"
)

var recoverYes bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Detect and repair a swap interrupted between its renames",
	Long: `Recover checks whether the active database is missing while the previous
data is parked under its retained name, which is what an interrupted swap
leaves behind, and renames it back.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		report, err := a.Recover(cmd.Context(), false)
		if err != nil {
			return err
		}
		printReport(cmd, report)

		if !actionable(report) {
			return nil
		}
		if !recoverYes && !confirm(cmd, fmt.Sprintf("Apply: %s? [y/N] ", report.Action())) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}

		report, err = a.Recover(cmd.Context(), true)
		if err != nil {
			return err
		}
		if report.Applied {
			fmt.Fprintf(out, "✓ %s\n", report.Action())
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().BoolVarP(&recoverYes, "yes", "y", false, "apply without asking")
	rootCmd.AddCommand(recoverCmd)
}

func actionable(r usecase.RecoveryReport) bool {
	return r.Condition == usecase.ConditionPartialSwap ||
		r.Condition == usecase.ConditionHealthy && r.Marker != nil
}

func printReport(cmd *cobra.Command, r usecase.RecoveryReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Active:    %s\n", r.Active)
	fmt.Fprintf(out, "Retained:  %s\n", r.Retained)
	fmt.Fprintf(out, "Condition: %s\n", r.Condition)
	if r.Marker != nil {
		fmt.Fprintf(out, "Journal:   run %s stopped at step %s (%s)\n", r.Marker.RunID, r.Marker.Step, r.Marker.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Action:    %s\n", r.Action())
}

func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
