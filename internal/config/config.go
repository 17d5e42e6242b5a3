// Package config wraps viper for apidb configuration.
//
// Settings are resolved with the usual priority: command-line flags (applied
// by the CLI layer) > environment variables (APITOOL_*) > config file
// (apidb.yaml) > built-in defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Initialize sets up viper with config file discovery and env bindings.
// A missing config file is not an error; defaults and env vars still apply.
func Initialize() error {
	viper.SetConfigName("apidb")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.apitool")

	viper.SetEnvPrefix("APITOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

func setDefaults() {
	// Connection lifecycle
	viper.SetDefault("connection.max-attempts", 3)
	viper.SetDefault("connection.base-delay", 200*time.Millisecond)
	viper.SetDefault("connection.busy-timeout", 30*time.Second)
	viper.SetDefault("connection.idle-timeout", 5*time.Minute)
	viper.SetDefault("connection.reaper-interval", time.Minute)

	// Corruption severity thresholds (ratio of corrupted to total tables)
	viper.SetDefault("integrity.minor-ratio", 0.30)
	viper.SetDefault("integrity.moderate-ratio", 0.70)

	// Lock diagnosis
	viper.SetDefault("lock.scan-budget", 5*time.Second)
	viper.SetDefault("lock.low-disk-bytes", int64(50*1024*1024))

	// Housekeeping
	viper.SetDefault("validate.history-max-age", 90*24*time.Hour)
	viper.SetDefault("validate.history-max-rows", 10000)

	// Backups
	viper.SetDefault("backup.dir", "")
	viper.SetDefault("backup.keep", 10)

	// Logging
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
}

// GetString returns a string config value.
func GetString(key string) string { return viper.GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return viper.GetBool(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { return viper.GetInt(key) }

// GetInt64 returns a 64-bit integer config value.
func GetInt64(key string) int64 { return viper.GetInt64(key) }

// GetFloat64 returns a float config value.
func GetFloat64(key string) float64 { return viper.GetFloat64(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return viper.GetDuration(key) }

// Set overrides a config value (used by flag binding).
func Set(key string, value interface{}) { viper.Set(key, value) }
