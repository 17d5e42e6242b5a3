package lockcheck

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func testInspector(t *testing.T) *Inspector {
	t.Helper()
	return NewInspector(DefaultConfig(), nil, nil)
}

func newDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	for _, stmt := range []string{
		"CREATE TABLE t (id INTEGER PRIMARY KEY)",
		"INSERT INTO t VALUES (1)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return path
}

func hasRecommendation(d Diagnosis, substr string) bool {
	for _, r := range d.Recommendations {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestDiagnoseMissingFile(t *testing.T) {
	d := testInspector(t).Diagnose(filepath.Join(t.TempDir(), "absent.db"))

	if d.Exists {
		t.Error("file must not exist")
	}
	if d.Readable || d.Writable || d.Openable {
		t.Error("probes must stay false for a missing file")
	}
	if !hasRecommendation(d, "does not exist") {
		t.Errorf("want a recreate recommendation, got %v", d.Recommendations)
	}
}

func TestDiagnoseHealthyDatabase(t *testing.T) {
	path := newDB(t)
	d := testInspector(t).Diagnose(path)

	if !d.Exists || d.SizeBytes == 0 {
		t.Errorf("want an existing non-empty file: %+v", d)
	}
	if !d.Readable || !d.Writable || !d.Openable {
		t.Errorf("healthy file must pass every probe: %+v", d)
	}
	if hasRecommendation(d, "permissions") || hasRecommendation(d, "unlock") {
		t.Errorf("healthy file must not draw lock recommendations: %v", d.Recommendations)
	}
	if !d.HolderScanLimited {
		t.Error("nil process inspector must flag the holder scan as limited")
	}
}

func TestDiagnoseInventoriesSidecars(t *testing.T) {
	path := newDB(t)
	for _, s := range []string{path + "-wal", path + ".lock"} {
		if err := os.WriteFile(s, []byte("x"), 0o600); err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
	}

	d := testInspector(t).Diagnose(path)
	found := map[string]bool{}
	for _, sc := range d.Sidecars {
		found[sc.Path] = true
		if !sc.Accessible {
			t.Errorf("sidecar %s must be readable", sc.Path)
		}
	}
	if !found[path+"-wal"] || !found[path+".lock"] {
		t.Errorf("want both sidecars listed, got %+v", d.Sidecars)
	}
	if !hasRecommendation(d, "checkpoint") {
		t.Errorf("non-empty write-ahead log must draw a checkpoint hint: %v", d.Recommendations)
	}
}

func TestAttemptRecoveryRemovesStaleFiles(t *testing.T) {
	path := newDB(t)
	stale := path + ".lock"
	if err := os.WriteFile(stale, nil, 0o600); err != nil {
		t.Fatalf("write lock file: %v", err)
	}

	actions, ok := testInspector(t).AttemptRecovery(context.Background(), path)
	if !ok {
		t.Fatal("database must be openable after recovery")
	}
	if len(actions) < 2 {
		t.Fatalf("want checkpoint and removal actions, got %+v", actions)
	}
	for _, a := range actions {
		if !a.Succeeded {
			t.Errorf("action %q failed: %s", a.Description, a.Detail)
		}
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale lock file must be removed")
	}
}

func TestForceUnlockBacksUpAndClearsSidecars(t *testing.T) {
	path := newDB(t)
	wal := path + "-wal"
	if _, err := os.Stat(wal); err != nil {
		if err := os.WriteFile(wal, []byte("pending"), 0o600); err != nil {
			t.Fatalf("write wal: %v", err)
		}
	}

	backup, actions, err := testInspector(t).ForceUnlock(path)
	if err != nil {
		t.Fatalf("force unlock: %v", err)
	}
	re := regexp.MustCompile(`\.backup\.\d+$`)
	if !re.MatchString(backup) {
		t.Errorf("backup name %q does not match the naming scheme", backup)
	}
	if _, err := os.Stat(backup); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
	if _, err := os.Stat(wal); !os.IsNotExist(err) {
		t.Error("write-ahead log must be removed")
	}
	if len(actions) == 0 || !actions[0].Succeeded {
		t.Errorf("backup action must come first and succeed: %+v", actions)
	}
}

func TestNopInspectorIsAlwaysLimited(t *testing.T) {
	holders, limited := NopInspector{}.HoldersOf("/tmp/x.db", time.Second)
	if len(holders) != 0 || !limited {
		t.Errorf("nop inspector must report no holders and a limited scan, got %v, %v", holders, limited)
	}
}
