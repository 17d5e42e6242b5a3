package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
)

var (
	// Version is the current version of apidb (overridden by ldflags at build time)
	Version = "1.2.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if outputStructured(map[string]interface{}{
			"version":        Version,
			"build":          Build,
			"schema_version": catalog.CurrentVersion,
		}) {
			return
		}
		fmt.Printf("apidb version %s (%s), schema v%d\n", Version, Build, catalog.CurrentVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
