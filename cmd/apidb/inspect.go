package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Scan the database for corruption",
	Long: `Run the full corruption scan: structural integrity, expected tables and
columns, foreign keys, indexes, and a full read of every table.

The exit code is 0 for a healthy database and 1 when damage was found.
Use 'apidb recover' to act on the findings.`,
	Run: func(cmd *cobra.Command, args []string) {
		insp := integrity.NewInspector(integrityConfig(), logger)
		rep := insp.Inspect(cmd.Context(), dbPath)

		if !outputStructured(rep) {
			printReport(rep)
		}
		if !rep.Healthy() {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func printReport(rep integrity.Report) {
	fmt.Printf("\nIntegrity of %s\n", rep.Path)
	for i, c := range rep.Checks {
		prefix := "├"
		if i == len(rep.Checks)-1 {
			prefix = "└"
		}
		status := color.GreenString("ok")
		if !c.Passed {
			status = color.RedString("failed")
		}
		fmt.Printf(" %s %s: %s\n", prefix, c.Name, status)
		for _, d := range c.Details {
			fmt.Printf(" │   %s\n", color.New(color.Faint).Sprint(d))
		}
	}
	fmt.Println()

	switch {
	case rep.Healthy():
		color.Green("✓ No corruption found (%.1fs)\n", rep.Elapsed.Seconds())
	default:
		color.Red("✗ Corruption severity: %s\n", rep.Severity)
		if len(rep.MissingTables) > 0 {
			fmt.Printf("  Missing tables:     %v\n", rep.MissingTables)
		}
		if len(rep.CorruptedTables) > 0 {
			fmt.Printf("  Corrupted tables:   %v\n", rep.CorruptedTables)
		}
		if len(rep.RecoverableTables) > 0 {
			fmt.Printf("  Recoverable tables: %v\n", rep.RecoverableTables)
		}
		if rep.TotalRecords > 0 {
			fmt.Printf("  Records readable:   %d of %d\n", rep.RecoverableRecords, rep.TotalRecords)
		}
		for _, r := range rep.Recommendations {
			fmt.Printf("  %s %s\n", color.YellowString("→"), r)
		}
		fmt.Println("  Run 'apidb recover' to see the recovery options.")
	}
}
