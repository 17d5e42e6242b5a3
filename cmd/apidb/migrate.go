package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/schemaver"
)

var (
	migrateTo     int
	migrateBackup bool
	migrateStatus bool
	migrateVerify bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema",
	Long: `Walk the database to a target schema version, one scripted step at a
time. Each step runs in its own transaction and stamps the version record
on commit, so an interrupted run leaves an honest intermediate version
that a later run picks up from.

Downgrades always take a backup first.

Examples:
  apidb migrate              # Upgrade to the current version
  apidb migrate --to 2       # Migrate (up or down) to version 2
  apidb migrate --status     # Show the installed version
  apidb migrate --verify     # Compare the live schema to the catalog`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		h := acquireHandle(ctx)
		defer func() { _ = registry.Release(dbPath) }()

		mgr := schemaver.NewManager(schemaver.NewRegistry(), logger)

		if migrateStatus {
			info, err := mgr.CurrentVersion(ctx, h)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if outputStructured(info) {
				return
			}
			switch {
			case !info.Found:
				fmt.Printf("%s is empty (no schema installed, current is v%d)\n", dbPath, catalog.CurrentVersion)
			case info.Legacy():
				fmt.Printf("%s is a pre-versioning store; run 'apidb migrate' to upgrade\n", dbPath)
			default:
				fmt.Printf("%s is at schema v%d (current is v%d)\n", dbPath, info.Version, catalog.CurrentVersion)
			}
			return
		}

		if migrateVerify {
			diff, err := mgr.VerifyIntegrity(ctx, h)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if outputStructured(diff) {
				if !diff.Clean() {
					os.Exit(1)
				}
				return
			}
			if diff.Clean() {
				color.Green("✓ Live schema matches the catalog (v%d)\n", diff.Version)
				return
			}
			for _, obj := range diff.MissingObjects {
				color.Red("✗ missing: %s\n", obj)
			}
			for _, obj := range diff.UnexpectedObjects {
				color.Yellow("⚠ unexpected: %s\n", obj)
			}
			if diff.HashMismatch {
				color.Red("✗ schema hash mismatch (stored %.12s, computed %.12s)\n",
					diff.StoredHash, diff.ComputedHash)
			}
			os.Exit(1)
		}

		target := migrateTo
		if !cmd.Flags().Changed("to") {
			target = catalog.CurrentVersion
		}

		res, err := mgr.Execute(ctx, h, target, schemaver.ExecOptions{
			Backup:    migrateBackup,
			BackupDir: backupDir(),
		})
		if outputStructured(res) {
			if err != nil {
				os.Exit(1)
			}
			return
		}
		if err != nil {
			color.Red("✗ Migration failed: %v\n", err)
			if res != nil {
				fmt.Printf("  Applied %d of %d script(s); the database is at v%d\n",
					res.ExecutedScripts, res.Total, res.FinalVersion)
				if res.BackupPath != "" {
					fmt.Printf("  Backup: %s\n", res.BackupPath)
				}
			}
			os.Exit(1)
		}
		if res.Total == 0 && !res.LegacyUpgrade {
			fmt.Printf("%s is already at v%d\n", dbPath, res.FinalVersion)
			return
		}
		color.Green("✓ Migrated %s from v%d to v%d (%d script(s))\n",
			dbPath, res.From, res.FinalVersion, res.ExecutedScripts)
		if res.BackupPath != "" {
			fmt.Printf("  Backup: %s\n", res.BackupPath)
		}
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateTo, "to", catalog.CurrentVersion, "Target schema version")
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", false, "Take a backup before migrating")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show the installed schema version")
	migrateCmd.Flags().BoolVar(&migrateVerify, "verify", false, "Compare the live schema to the catalog")
	rootCmd.AddCommand(migrateCmd)
}
