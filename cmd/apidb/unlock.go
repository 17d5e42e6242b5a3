package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/lockcheck"
)

var unlockForce bool

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Diagnose and clear database locks",
	Long: `Diagnose why the database cannot be opened and clear stale locks.

The default path is non-destructive: checkpoint the write-ahead log and
remove leftover temporary files. With --force the write-ahead log and
shared-memory files are discarded too, which can lose uncommitted
changes; a backup of the main file is taken first.

Examples:
  apidb unlock           # Diagnose and try the safe path
  apidb unlock --force   # Discard the write-ahead log (backs up first)`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		insp := lockcheck.NewInspector(lockCheckConfig(), lockcheck.SystemInspector{}, logger)

		d := insp.Diagnose(dbPath)
		if !outputStructured(d) {
			printDiagnosis(d)
		}
		if d.Openable && !unlockForce {
			color.Green("✓ Database is not locked\n")
			return
		}
		if !d.Exists {
			os.Exit(1)
		}

		if !unlockForce {
			actions, ok := insp.AttemptRecovery(ctx, dbPath)
			printActions(actions)
			if ok {
				color.Green("✓ Database unlocked\n")
				return
			}
			color.Red("✗ Still locked\n")
			if len(d.Holders) > 0 {
				fmt.Println("  Close the holding processes, or rerun with --force to discard the write-ahead log.")
			} else {
				fmt.Println("  Rerun with --force to discard the write-ahead log (a backup is taken first).")
			}
			os.Exit(1)
		}

		// Force unlock must not race a concurrent acquire on the same
		// database, so it runs inside the registry's exclusive section.
		var backup string
		var actions []lockcheck.RecoveryAction
		err := registry.WithExclusive(dbPath, func() error {
			var ferr error
			backup, actions, ferr = insp.ForceUnlock(dbPath)
			return ferr
		})
		printActions(actions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		color.Green("✓ Locks cleared; backup at %s\n", backup)
	},
}

func init() {
	unlockCmd.Flags().BoolVar(&unlockForce, "force", false, "Discard the write-ahead log after backing up")
	rootCmd.AddCommand(unlockCmd)
}

func printDiagnosis(d lockcheck.Diagnosis) {
	fmt.Printf("\nLock diagnosis for %s\n", d.Path)
	if !d.Exists {
		color.Red("✗ File does not exist\n")
		for _, r := range d.Recommendations {
			fmt.Printf("  %s\n", r)
		}
		return
	}
	state := color.GreenString("openable")
	if !d.Openable {
		state = color.RedString("not openable")
	}
	fmt.Printf(" ├ State: %s (%d bytes)\n", state, d.SizeBytes)
	for _, sc := range d.Sidecars {
		fmt.Printf(" ├ Sidecar: %s (%d bytes)\n", sc.Path, sc.Size)
	}
	if len(d.Holders) > 0 {
		for _, h := range d.Holders {
			fmt.Printf(" ├ Held by: %s (pid %d)\n", h.Name, h.PID)
		}
	} else if d.HolderScanLimited {
		fmt.Printf(" ├ Holders: %s\n", color.New(color.Faint).Sprint("scan incomplete"))
	}
	last := "└"
	fmt.Printf(" %s Free disk: ", last)
	if d.FreeDiskKnown {
		fmt.Printf("%d MB\n", d.FreeDiskBytes/1024/1024)
	} else {
		fmt.Println("unknown")
	}
	for _, r := range d.Recommendations {
		fmt.Printf("  → %s\n", r)
	}
	fmt.Println()
}

func printActions(actions []lockcheck.RecoveryAction) {
	for _, a := range actions {
		if a.Succeeded {
			fmt.Printf("  ✓ %s\n", a.Description)
		} else {
			fmt.Printf("  ✗ %s: %s\n", a.Description, a.Detail)
		}
	}
}
