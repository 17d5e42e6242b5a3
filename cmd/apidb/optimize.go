package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/validate"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run database maintenance",
	Long: `Run the maintenance steps: expire old request history, refresh query
planner statistics, rebuild indexes, and compact the file.

Steps are independent; one failing does not stop the others.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		h := acquireHandle(ctx)
		defer func() { _ = registry.Release(dbPath) }()

		engine := validate.NewEngine(validateConfig(), logger)
		steps := engine.Optimize(ctx, h)

		if outputStructured(steps) {
			return
		}

		fmt.Println("\nMaintenance")
		failed := 0
		for i, s := range steps {
			prefix := "├"
			if i == len(steps)-1 {
				prefix = "└"
			}
			if s.Succeeded {
				extra := ""
				if s.RowsAffected > 0 {
					extra = fmt.Sprintf(" (%d rows)", s.RowsAffected)
				}
				fmt.Printf(" %s %s: %s%s\n", prefix, s.Name, color.GreenString("done"), extra)
			} else {
				failed++
				fmt.Printf(" %s %s: %s\n", prefix, s.Name, color.RedString("failed"))
				fmt.Printf(" │   %s\n", color.New(color.Faint).Sprint(s.Error))
			}
		}
		fmt.Println()
		if failed > 0 {
			color.Red("✗ %d step(s) failed\n", failed)
			os.Exit(1)
		}
		color.Green("✓ Maintenance complete\n")
	},
}

func init() {
	rootCmd.AddCommand(optimizeCmd)
}
