package recovery

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
)

func testBackups(n int) []BackupDescriptor {
	var out []BackupDescriptor
	for i := 0; i < n; i++ {
		out = append(out, BackupDescriptor{
			Path:      "store.db.backup.123",
			CreatedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	return out
}

func strategies(p *Plan) []Strategy {
	var out []Strategy
	for _, o := range p.Options {
		out = append(out, o.Strategy)
	}
	return out
}

func contains(ss []Strategy, s Strategy) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func TestBuildPlanPolicy(t *testing.T) {
	tests := []struct {
		name        string
		severity    integrity.Severity
		recoverable int64
		backups     int
		recommended Strategy
		offered     []Strategy
		notOffered  []Strategy
	}{
		{
			name:        "healthy",
			severity:    integrity.SeverityNone,
			recommended: StrategyNoAction,
			offered:     []Strategy{StrategyNoAction},
			notOffered:  []Strategy{StrategyRepair, StrategyRebuild},
		},
		{
			name:        "minor prefers in-place repair",
			severity:    integrity.SeverityMinor,
			recommended: StrategyRepair,
			offered:     []Strategy{StrategyRepair, StrategyRebuild},
			notOffered:  []Strategy{StrategyBackupRestore},
		},
		{
			name:        "any backup makes restore the recommendation",
			severity:    integrity.SeverityMinor,
			backups:     1,
			recommended: StrategyBackupRestore,
			offered:     []Strategy{StrategyRepair, StrategyBackupRestore, StrategyRebuild},
		},
		{
			name:        "moderate with readable rows prefers partial recovery",
			severity:    integrity.SeverityModerate,
			recoverable: 12,
			recommended: StrategyPartialRecovery,
			offered:     []Strategy{StrategyPartialRecovery, StrategyRebuild},
			notOffered:  []Strategy{StrategyRepair},
		},
		{
			name:        "moderate with nothing readable rebuilds",
			severity:    integrity.SeverityModerate,
			recommended: StrategyRebuild,
			offered:     []Strategy{StrategyRebuild},
			notOffered:  []Strategy{StrategyPartialRecovery},
		},
		{
			name:        "moderate with backups restores",
			severity:    integrity.SeverityModerate,
			recoverable: 12,
			backups:     1,
			recommended: StrategyBackupRestore,
			offered:     []Strategy{StrategyPartialRecovery, StrategyBackupRestore, StrategyRebuild},
		},
		{
			name:        "severe with backups prefers restore",
			severity:    integrity.SeveritySevere,
			recoverable: 3,
			backups:     2,
			recommended: StrategyBackupRestore,
			offered:     []Strategy{StrategyBackupRestore, StrategyPartialRecovery, StrategyRebuild},
		},
		{
			name:        "severe without backups falls back to partial",
			severity:    integrity.SeveritySevere,
			recoverable: 3,
			recommended: StrategyPartialRecovery,
			offered:     []Strategy{StrategyPartialRecovery, StrategyRebuild},
			notOffered:  []Strategy{StrategyBackupRestore},
		},
		{
			name:        "total without backups rebuilds",
			severity:    integrity.SeverityTotal,
			recommended: StrategyRebuild,
			offered:     []Strategy{StrategyRebuild},
			notOffered:  []Strategy{StrategyPartialRecovery, StrategyRepair},
		},
		{
			name:        "total with backups restores",
			severity:    integrity.SeverityTotal,
			backups:     1,
			recommended: StrategyBackupRestore,
			offered:     []Strategy{StrategyBackupRestore, StrategyRebuild},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := integrity.Report{
				Path:               "store.db",
				Openable:           true,
				Severity:           tt.severity,
				RecoverableRecords: tt.recoverable,
			}
			plan := BuildPlan(rep, testBackups(tt.backups))

			if plan.Recommended != tt.recommended {
				t.Errorf("recommended = %s, want %s", plan.Recommended, tt.recommended)
			}
			got := strategies(plan)
			for _, s := range tt.offered {
				if !contains(got, s) {
					t.Errorf("strategy %s must be offered, got %v", s, got)
				}
			}
			for _, s := range tt.notOffered {
				if contains(got, s) {
					t.Errorf("strategy %s must not be offered, got %v", s, got)
				}
			}
		})
	}
}

func TestDestructiveOptionsPreserveFirst(t *testing.T) {
	rep := integrity.Report{
		Path:               "store.db",
		Openable:           true,
		Severity:           integrity.SeveritySevere,
		RecoverableRecords: 5,
	}
	plan := BuildPlan(rep, testBackups(1))

	for _, opt := range plan.Options {
		if opt.Strategy == StrategyRepair || opt.Strategy == StrategyNoAction {
			continue
		}
		if len(opt.Steps) == 0 || opt.Steps[0].Kind != StepPreserveDamaged {
			t.Errorf("%s must preserve the damaged file first, steps: %v", opt.Name, opt.Steps)
		}
	}
}

func TestParseStrategyRoundTrip(t *testing.T) {
	for _, s := range []Strategy{
		StrategyNoAction, StrategyRepair, StrategyPartialRecovery,
		StrategyBackupRestore, StrategyRebuild,
	} {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStrategy("wish-harder"); err == nil {
		t.Error("unknown strategy must error")
	}
}

func TestScanBackupsOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	now := time.Now().Unix()

	names := []string{
		"store.db.backup.1000",
		"store.db.backup." + strconv.FormatInt(now, 10),
		"store.db.backup.500",
		"store.db.corrupted.900", // wrong tag
		"other.db.backup.800",    // wrong base
		"store.db.backup.notanumber",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	backups, err := ScanBackups(path, "")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("want 3 backups, got %d: %+v", len(backups), backups)
	}
	for i := 1; i < len(backups); i++ {
		if backups[i-1].CreatedAt.Before(backups[i].CreatedAt) {
			t.Errorf("backups must be newest first, got %v", backups)
		}
	}
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	for _, ts := range []string{"100", "200", "300", "400"} {
		if err := os.WriteFile(filepath.Join(dir, "store.db.backup."+ts), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	removed, err := PruneBackups(path, "", 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("want 2 removed, got %v", removed)
	}

	left, err := ScanBackups(path, "")
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("want 2 kept, got %d", len(left))
	}
	if left[0].CreatedAt.Unix() != 400 || left[1].CreatedAt.Unix() != 300 {
		t.Errorf("pruning must keep the newest backups, got %+v", left)
	}

	if removed, err := PruneBackups(path, "", 0); err != nil || removed != nil {
		t.Errorf("keep<=0 must disable pruning, got %v, %v", removed, err)
	}
}
