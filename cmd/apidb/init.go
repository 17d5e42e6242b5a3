package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/schemaver"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or update the database",
	Long: `Create the database with the current schema, or bring an existing
database up to the current schema version.

Safe to run repeatedly: existing tables and data are left alone, missing
objects are created, and out-of-date databases are migrated (with a backup
taken first for pre-versioning stores).`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		h := acquireHandle(ctx)
		defer func() { _ = registry.Release(dbPath) }()

		mgr := schemaver.NewManager(schemaver.NewRegistry(), logger)
		info, err := mgr.CurrentVersion(ctx, h)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		switch {
		case !info.Found:
			if err := catalog.Current().Apply(ctx, h.DB()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: initialize schema: %v\n", err)
				os.Exit(1)
			}
			color.Green("✓ Created %s at schema v%d\n", dbPath, catalog.CurrentVersion)

		case info.Version < catalog.CurrentVersion || info.Legacy():
			res, err := mgr.Execute(ctx, h, catalog.CurrentVersion, schemaver.ExecOptions{Backup: true})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: migrate to v%d: %v\n", catalog.CurrentVersion, err)
				if res != nil && res.BackupPath != "" {
					fmt.Fprintf(os.Stderr, "A backup was taken first: %s\n", res.BackupPath)
				}
				os.Exit(1)
			}
			color.Green("✓ Migrated %s from v%d to v%d\n", dbPath, res.From, res.FinalVersion)
			if res.BackupPath != "" {
				fmt.Printf("  Backup: %s\n", res.BackupPath)
			}

		default:
			fmt.Printf("%s is already at schema v%d\n", dbPath, info.Version)
		}
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
