package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/config"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/recovery"
)

var (
	recoverStrategy string
	recoverYes      bool
	recoverBackup   bool
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Plan and run corruption recovery",
	Long: `Inspect the database, list the recovery options for whatever damage was
found, and optionally carry one out.

Without --yes this only prints the plan. Destructive strategies always
set the damaged file aside first, so the original bytes survive every
recovery.

Strategies:
  repair            fix the file in place; no data touched
  partial-recovery  salvage readable tables into a fresh database
  backup-restore    replace the database with the newest backup
  rebuild           start over with an empty database

Examples:
  apidb recover                          # Show the plan
  apidb recover --yes                    # Run the recommended strategy
  apidb recover --strategy rebuild --yes # Run a specific strategy
  apidb recover --backup-only            # Just take a backup`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if recoverBackup {
			b, err := recovery.CreateBackup(ctx, dbPath, backupDir())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			pruned, err := recovery.PruneBackups(dbPath, backupDir(), config.GetInt("backup.keep"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: prune old backups: %v\n", err)
			}
			if outputStructured(b) {
				return
			}
			color.Green("✓ Backup written to %s (%d bytes)\n", b.Path, b.Size)
			if len(pruned) > 0 {
				fmt.Printf("  Pruned %d old backup(s)\n", len(pruned))
			}
			return
		}

		insp := integrity.NewInspector(integrityConfig(), logger)
		rep := insp.Inspect(ctx, dbPath)
		backups, err := recovery.ScanBackups(dbPath, backupDir())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		plan := recovery.BuildPlan(rep, backups)

		strategy := plan.Recommended
		if recoverStrategy != "" {
			strategy, err = recovery.ParseStrategy(recoverStrategy)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if !recoverYes {
			if !outputStructured(plan) {
				printPlan(plan)
			}
			return
		}

		opt, ok := plan.Option(strategy)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: strategy %s is not applicable (severity %s)\n",
				strategy, plan.Severity)
			os.Exit(1)
		}

		// Recovery rewrites the file; no handle may stay open across it.
		exec := recovery.NewExecutor(insp, backupDir(), logger)
		var res *recovery.Result
		err = registry.WithExclusive(dbPath, func() error {
			var execErr error
			res, execErr = exec.Execute(ctx, plan, opt, printProgress)
			return execErr
		})
		if outputStructured(res) {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		if err != nil {
			color.Red("\n✗ Recovery failed: %v\n", err)
			if res != nil && res.PreservedPath != "" {
				fmt.Printf("  The damaged file is preserved at %s\n", res.PreservedPath)
			}
			os.Exit(1)
		}
		color.Green("\n✓ Recovery complete (%s)\n", opt.Name)
		if res.PreservedPath != "" {
			fmt.Printf("  The old file is preserved at %s\n", res.PreservedPath)
		}
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverStrategy, "strategy", "", "Strategy to run (default: recommended)")
	recoverCmd.Flags().BoolVar(&recoverYes, "yes", false, "Actually run the recovery instead of printing the plan")
	recoverCmd.Flags().BoolVar(&recoverBackup, "backup-only", false, "Take a backup and exit")
	rootCmd.AddCommand(recoverCmd)
}

func printPlan(plan *recovery.Plan) {
	fmt.Printf("\nRecovery plan for %s (severity: %s)\n\n", plan.Path, plan.Severity)
	for _, opt := range plan.Options {
		marker := " "
		if opt.Name == plan.Recommended.String() {
			marker = color.GreenString("*")
		}
		fmt.Printf(" %s %s (risk: %s)\n", marker, color.New(color.Bold).Sprint(opt.Name), opt.RiskLabel)
		fmt.Printf("   %s\n", opt.Description)
		for _, s := range opt.Steps {
			fmt.Printf("     - %s\n", s.Description)
		}
		fmt.Println()
	}
	if len(plan.Backups) > 0 {
		fmt.Printf("Backups available: %d, newest from %s\n",
			len(plan.Backups), plan.Backups[0].CreatedAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Println("No backups available.")
	}
	fmt.Println("Run again with --yes to execute the recommended (*) strategy.")
}

func printProgress(p recovery.Progress) {
	if jsonOutput || yamlOutput {
		return
	}
	switch p.Status {
	case recovery.StatusRunning:
		fmt.Printf(" [%d/%d] %s...\n", p.Completed+1, p.Total, p.CurrentStep)
	case recovery.StatusFailed, recovery.StatusCanceled:
		fmt.Printf(" [%d/%d] %s: %v\n", p.Completed, p.Total, p.CurrentStep, p.Err)
	}
}
