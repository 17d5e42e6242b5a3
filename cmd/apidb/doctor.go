package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/config"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/lockcheck"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/recovery"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/schemaver"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/validate"
)

// Status constants for doctor checks
const (
	statusOK      = "ok"
	statusWarning = "warning"
	statusError   = "error"
)

type doctorCheck struct {
	Name    string `json:"name" yaml:"name"`
	Status  string `json:"status" yaml:"status"`
	Message string `json:"message" yaml:"message"`
	Detail  string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Fix     string `json:"fix,omitempty" yaml:"fix,omitempty"`
}

type doctorResult struct {
	Path       string        `json:"path" yaml:"path"`
	Checks     []doctorCheck `json:"checks" yaml:"checks"`
	OverallOK  bool          `json:"overall_ok" yaml:"overall_ok"`
	CLIVersion string        `json:"cli_version" yaml:"cli_version"`
}

var doctorFix bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database health",
	Long: `Sanity check the database end to end.

This command checks:
  - If the database file exists and is accessible
  - Lock state, sidecar files, and external holders
  - Schema version and migration status
  - Schema compatibility (all required objects present)
  - Data consistency (standard validation)
  - Backup availability
  - Free disk space

Examples:
  apidb doctor                 # Check the configured database
  apidb doctor --db other.db   # Check a specific database
  apidb doctor --json          # Machine-readable output
  apidb doctor --fix           # Automatically fix what is safe to fix`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		result := runDiagnostics(ctx)

		if doctorFix {
			applyFixes(ctx, result)
			result = runDiagnostics(ctx)
		}

		if !outputStructured(result) {
			printDiagnostics(result)
		}
		if !result.OverallOK {
			os.Exit(1)
		}
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Automatically fix issues where possible")
	rootCmd.AddCommand(doctorCmd)
}

func runDiagnostics(ctx context.Context) doctorResult {
	result := doctorResult{
		Path:       dbPath,
		CLIVersion: Version,
		OverallOK:  true,
	}
	add := func(c doctorCheck) {
		result.Checks = append(result.Checks, c)
		if c.Status == statusError {
			result.OverallOK = false
		}
	}

	fileCheck := checkDatabaseFile()
	add(fileCheck)
	if fileCheck.Status == statusError {
		// Nothing else can run against a missing file.
		return result
	}

	add(checkLockState())
	add(checkSchemaVersion(ctx))
	add(checkSchemaObjects(ctx))
	add(checkConsistency(ctx))
	add(checkBackups())
	add(checkDiskSpace())
	return result
}

func checkDatabaseFile() doctorCheck {
	check := doctorCheck{Name: "Database file"}
	info, err := os.Stat(dbPath)
	if err != nil {
		check.Status = statusError
		check.Message = "not found"
		check.Fix = "Run 'apidb init' to create it"
		return check
	}
	check.Status = statusOK
	check.Message = "present"
	check.Detail = fmt.Sprintf("%s (%d bytes)", dbPath, info.Size())
	return check
}

func checkLockState() doctorCheck {
	check := doctorCheck{Name: "Lock state"}
	insp := lockcheck.NewInspector(lockCheckConfig(), lockcheck.SystemInspector{}, logger)
	d := insp.Diagnose(dbPath)
	switch {
	case !d.Openable:
		check.Status = statusError
		check.Message = "database cannot be opened"
		if len(d.Holders) > 0 {
			check.Detail = fmt.Sprintf("held by %d process(es), e.g. %s (pid %d)",
				len(d.Holders), d.Holders[0].Name, d.Holders[0].PID)
		}
		check.Fix = "Run 'apidb unlock' to clear stale locks"
	case len(d.Holders) > 1:
		check.Status = statusWarning
		check.Message = fmt.Sprintf("open in %d processes", len(d.Holders))
	default:
		check.Status = statusOK
		check.Message = "unlocked"
	}
	return check
}

func checkSchemaVersion(ctx context.Context) doctorCheck {
	check := doctorCheck{Name: "Schema version"}
	h, err := registry.Acquire(ctx, dbPath)
	if err != nil {
		check.Status = statusError
		check.Message = "cannot open database"
		check.Detail = err.Error()
		return check
	}
	mgr := schemaver.NewManager(schemaver.NewRegistry(), logger)
	info, err := mgr.CurrentVersion(ctx, h)
	switch {
	case err != nil:
		check.Status = statusError
		check.Message = "cannot read version"
		check.Detail = err.Error()
	case !info.Found:
		check.Status = statusWarning
		check.Message = "database is empty"
		check.Fix = "Run 'apidb init' to create the schema"
	case info.Legacy():
		check.Status = statusWarning
		check.Message = "pre-versioning database"
		check.Fix = "Run 'apidb migrate' to upgrade it"
	case info.Version < catalog.CurrentVersion:
		check.Status = statusWarning
		check.Message = fmt.Sprintf("v%d (current is v%d)", info.Version, catalog.CurrentVersion)
		check.Fix = "Run 'apidb migrate' to upgrade"
	case info.Version > catalog.CurrentVersion:
		check.Status = statusError
		check.Message = fmt.Sprintf("v%d is newer than this build supports (v%d)", info.Version, catalog.CurrentVersion)
		check.Fix = "Upgrade apidb"
	default:
		check.Status = statusOK
		check.Message = fmt.Sprintf("v%d (current)", info.Version)
	}
	return check
}

func checkSchemaObjects(ctx context.Context) doctorCheck {
	check := doctorCheck{Name: "Schema objects"}
	h, err := registry.Acquire(ctx, dbPath)
	if err != nil {
		check.Status = statusError
		check.Message = "cannot open database"
		return check
	}
	mgr := schemaver.NewManager(schemaver.NewRegistry(), logger)
	diff, err := mgr.VerifyIntegrity(ctx, h)
	switch {
	case err != nil:
		check.Status = statusError
		check.Message = "cannot compare schema"
		check.Detail = err.Error()
	case len(diff.MissingObjects) > 0:
		check.Status = statusError
		check.Message = fmt.Sprintf("%d missing object(s)", len(diff.MissingObjects))
		check.Detail = diff.MissingObjects[0]
		check.Fix = "Run 'apidb validate --fix' to recreate them"
	case diff.HashMismatch:
		check.Status = statusWarning
		check.Message = "schema hash mismatch"
		check.Detail = "the schema was modified outside of migrations"
	case len(diff.UnexpectedObjects) > 0:
		check.Status = statusWarning
		check.Message = fmt.Sprintf("%d unexpected object(s)", len(diff.UnexpectedObjects))
		check.Detail = diff.UnexpectedObjects[0]
	default:
		check.Status = statusOK
		check.Message = "all objects present"
	}
	return check
}

func checkConsistency(ctx context.Context) doctorCheck {
	check := doctorCheck{Name: "Data consistency"}
	h, err := registry.Acquire(ctx, dbPath)
	if err != nil {
		check.Status = statusError
		check.Message = "cannot open database"
		return check
	}
	engine := validate.NewEngine(validateConfig(), logger)
	res, err := engine.Validate(ctx, h, validate.LevelStandard)
	switch {
	case err != nil:
		check.Status = statusError
		check.Message = "validation failed to run"
		check.Detail = err.Error()
	case res.Healthy():
		check.Status = statusOK
		check.Message = "no issues"
	case res.Worst() >= validate.SeverityHigh:
		check.Status = statusError
		check.Message = fmt.Sprintf("%d issue(s) found", len(res.Issues))
		check.Detail = res.Issues[0].Description
		check.Fix = "Run 'apidb validate --fix' for details and repairs"
	default:
		check.Status = statusWarning
		check.Message = fmt.Sprintf("%d minor issue(s) found", len(res.Issues))
		check.Fix = "Run 'apidb validate' for details"
	}
	return check
}

func checkBackups() doctorCheck {
	check := doctorCheck{Name: "Backups"}
	backups, err := recovery.ScanBackups(dbPath, backupDir())
	switch {
	case err != nil:
		check.Status = statusWarning
		check.Message = "cannot scan for backups"
		check.Detail = err.Error()
	case len(backups) == 0:
		check.Status = statusWarning
		check.Message = "no backups found"
		check.Fix = "Run 'apidb recover --backup-only' to take one"
	default:
		check.Status = statusOK
		check.Message = fmt.Sprintf("%d backup(s)", len(backups))
		check.Detail = "newest from " + backups[0].CreatedAt.Format("2006-01-02 15:04:05")
	}
	return check
}

func checkDiskSpace() doctorCheck {
	check := doctorCheck{Name: "Disk space"}
	insp := lockcheck.NewInspector(lockCheckConfig(), lockcheck.NopInspector{}, logger)
	d := insp.Diagnose(dbPath)
	switch {
	case !d.FreeDiskKnown:
		check.Status = statusWarning
		check.Message = "unknown"
	case d.FreeDiskBytes < lockCheckConfig().LowDiskBytes:
		check.Status = statusError
		check.Message = fmt.Sprintf("low: %d MB free", d.FreeDiskBytes/1024/1024)
		check.Fix = "Free disk space before writing to the database"
	default:
		check.Status = statusOK
		check.Message = fmt.Sprintf("%d MB free", d.FreeDiskBytes/1024/1024)
	}
	return check
}

// applyFixes handles the repairs doctor can do on its own; everything else
// points at the dedicated command.
func applyFixes(ctx context.Context, result doctorResult) {
	for _, check := range result.Checks {
		if check.Status == statusOK {
			continue
		}
		switch check.Name {
		case "Schema objects", "Data consistency":
			fmt.Println("Fixing data issues...")
			h, err := registry.Acquire(ctx, dbPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
				continue
			}
			engine := validate.NewEngine(validateConfig(), logger)
			res, err := engine.Validate(ctx, h, validate.LevelStandard)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
				continue
			}
			fixed, err := engine.AutoFix(ctx, h, res.Issues)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
				continue
			}
			fmt.Printf("  ✓ Applied %d fix(es)\n", len(fixed.Applied))
		case "Lock state":
			fmt.Println("Clearing stale locks...")
			insp := lockcheck.NewInspector(lockCheckConfig(), lockcheck.SystemInspector{}, logger)
			_, ok := insp.AttemptRecovery(ctx, dbPath)
			if ok {
				fmt.Println("  ✓ Database is openable again")
			} else {
				fmt.Println("  Still locked; see 'apidb unlock'")
			}
		}
	}
}

func printDiagnostics(result doctorResult) {
	fmt.Println("\nDiagnostics")

	for i, check := range result.Checks {
		prefix := "├"
		if i == len(result.Checks)-1 {
			prefix = "└"
		}

		var statusIcon string
		switch check.Status {
		case statusOK:
			statusIcon = ""
		case statusWarning:
			statusIcon = color.YellowString(" ⚠")
		case statusError:
			statusIcon = color.RedString(" ✗")
		}

		fmt.Printf(" %s %s: %s%s\n", prefix, check.Name, check.Message, statusIcon)

		if check.Detail != "" {
			detailPrefix := "│"
			if i == len(result.Checks)-1 {
				detailPrefix = " "
			}
			fmt.Printf(" %s   %s\n", detailPrefix, color.New(color.Faint).Sprint(check.Detail))
		}
	}

	fmt.Println()

	hasIssues := false
	for _, check := range result.Checks {
		if check.Status != statusOK && check.Fix != "" {
			hasIssues = true
			switch check.Status {
			case statusWarning:
				color.Yellow("⚠ Warning: %s: %s\n", check.Name, check.Message)
			case statusError:
				color.Red("✗ Error: %s: %s\n", check.Name, check.Message)
			}
			fmt.Printf("  Fix: %s\n\n", check.Fix)
		}
	}

	if !hasIssues {
		color.Green("✓ All checks passed\n")
	}
}

func lockCheckConfig() lockcheck.Config {
	cfg := lockcheck.DefaultConfig()
	if v := config.GetDuration("lock.scan-budget"); v > 0 {
		cfg.ScanBudget = v
	}
	if v := config.GetInt64("lock.low-disk-bytes"); v > 0 {
		cfg.LowDiskBytes = uint64(v)
	}
	return cfg
}

func backupDir() string {
	return config.GetString("backup.dir")
}
