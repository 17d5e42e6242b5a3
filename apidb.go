// Package apidb provides a minimal public API for embedding the database
// engine in other tools.
//
// Most callers should use the apidb command line interface. This package
// exports only the essential types and constructors needed to acquire
// connections, run health checks, and migrate programmatically.
package apidb

import (
	"context"

	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/lockcheck"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/recovery"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/schemaver"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/validate"
)

// CurrentSchemaVersion is the schema version this build ships.
const CurrentSchemaVersion = catalog.CurrentVersion

// Connection management.
type (
	Registry       = connection.Registry
	RegistryConfig = connection.Config
	Handle         = connection.Handle
)

// NewRegistry creates a connection registry with the given configuration.
// Pass nil for log to disable logging.
func NewRegistry(cfg RegistryConfig, log *zap.SugaredLogger) *Registry {
	return connection.NewRegistry(cfg, log)
}

// DefaultRegistryConfig returns the connection defaults.
func DefaultRegistryConfig() RegistryConfig {
	return connection.DefaultConfig()
}

// Integrity inspection.
type (
	IntegrityReport   = integrity.Report
	CorruptionLevel   = integrity.Severity
	IntegrityExaminer = integrity.Inspector
)

// NewIntegrityInspector creates an inspector with default thresholds.
func NewIntegrityInspector(log *zap.SugaredLogger) *IntegrityExaminer {
	return integrity.NewInspector(integrity.DefaultConfig(), log)
}

// Validation.
type (
	ValidationEngine = validate.Engine
	ValidationLevel  = validate.Level
	ValidationResult = validate.Result
	ValidationIssue  = validate.Issue
)

// NewValidationEngine creates a validation engine with default retention
// settings.
func NewValidationEngine(log *zap.SugaredLogger) *ValidationEngine {
	return validate.NewEngine(validate.DefaultConfig(), log)
}

// Recovery.
type (
	RecoveryPlan     = recovery.Plan
	RecoveryStrategy = recovery.Strategy
	BackupDescriptor = recovery.BackupDescriptor
)

// PlanRecovery inspects the database at path and returns the recovery
// options for whatever damage it finds.
func PlanRecovery(ctx context.Context, path string, log *zap.SugaredLogger) (*RecoveryPlan, error) {
	backups, err := recovery.ScanBackups(path, "")
	if err != nil {
		return nil, err
	}
	rep := integrity.NewInspector(integrity.DefaultConfig(), log).Inspect(ctx, path)
	return recovery.BuildPlan(rep, backups), nil
}

// Schema versions.
type (
	SchemaManager = schemaver.Manager
	VersionInfo   = schemaver.VersionInfo
)

// NewSchemaManager creates a schema manager with the shipped migrations.
func NewSchemaManager(log *zap.SugaredLogger) *SchemaManager {
	return schemaver.NewManager(schemaver.NewRegistry(), log)
}

// Lock diagnostics.
type LockDiagnosis = lockcheck.Diagnosis

// DiagnoseLock inspects why the database at path cannot be opened.
func DiagnoseLock(path string, log *zap.SugaredLogger) LockDiagnosis {
	insp := lockcheck.NewInspector(lockcheck.DefaultConfig(), lockcheck.SystemInspector{}, log)
	return insp.Diagnose(path)
}
