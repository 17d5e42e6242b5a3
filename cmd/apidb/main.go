package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/config"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/logging"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/validate"
)

var (
	dbPath     string
	jsonOutput bool
	yamlOutput bool

	logger   *zap.SugaredLogger
	registry *connection.Registry
)

func init() {
	// Initialize viper configuration
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: db from config, then ./apitool.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&yamlOutput, "yaml", false, "Output in YAML format")

	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "apidb",
	Short: "apidb - API workbench database toolkit",
	Long:  `Manage the API workbench project store: health checks, corruption inspection, validation, recovery, and schema migrations.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("apidb version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Priority: flags > viper (config file + env vars) > defaults
		if !cmd.Flags().Changed("json") {
			jsonOutput = config.GetBool("json")
		}
		if !cmd.Flags().Changed("db") && dbPath == "" {
			dbPath = config.GetString("db")
		}
		if dbPath == "" {
			dbPath = "apitool.db"
		}

		logger = logging.New(config.GetString("log.level"), config.GetString("log.file"))
		registry = connection.NewRegistry(registryConfig(), logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if registry != nil {
			registry.Shutdown()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func registryConfig() connection.Config {
	cfg := connection.DefaultConfig()
	if v := config.GetInt("connection.max-attempts"); v > 0 {
		cfg.MaxAttempts = v
	}
	if v := config.GetDuration("connection.base-delay"); v > 0 {
		cfg.BaseDelay = v
	}
	if v := config.GetDuration("connection.busy-timeout"); v > 0 {
		cfg.BusyTimeout = v
	}
	if v := config.GetDuration("connection.idle-timeout"); v > 0 {
		cfg.IdleTimeout = v
	}
	if v := config.GetDuration("connection.reaper-interval"); v > 0 {
		cfg.ReaperInterval = v
	}
	return cfg
}

func integrityConfig() integrity.Config {
	cfg := integrity.DefaultConfig()
	if v := config.GetFloat64("integrity.minor-ratio"); v > 0 {
		cfg.MinorRatio = v
	}
	if v := config.GetFloat64("integrity.moderate-ratio"); v > 0 {
		cfg.ModerateRatio = v
	}
	return cfg
}

func validateConfig() validate.Config {
	cfg := validate.DefaultConfig()
	if v := config.GetDuration("validate.history-max-age"); v > 0 {
		cfg.HistoryMaxAge = v
	}
	if v := config.GetInt("validate.history-max-rows"); v > 0 {
		cfg.HistoryMaxRows = v
	}
	return cfg
}

// acquireHandle opens the target database through the registry, exiting
// with a friendly message when it cannot be reached.
func acquireHandle(ctx context.Context) *connection.Handle {
	h, err := registry.Acquire(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open database %s: %v\n", dbPath, err)
		fmt.Fprintln(os.Stderr, "Run 'apidb doctor' to diagnose the problem.")
		os.Exit(1)
	}
	return h
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
