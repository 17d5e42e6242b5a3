package recovery

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
)

func newStoreWithData(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=foreign_keys(ON)&_time_format=sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	if err := catalog.Current().Apply(ctx, db); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stmts := []string{
		"INSERT INTO projects (name, base_url) VALUES ('petstore', 'https://api.example.com')",
		"INSERT INTO environments (project_id, name, base_url) VALUES (1, 'staging', 'https://stage.example.com')",
		"INSERT INTO request_history (project_id, api_path, method, status_code) VALUES (1, '/pets', 'GET', 200)",
		"INSERT INTO request_history (project_id, api_path, method, status_code) VALUES (1, '/pets/1', 'GET', 404)",
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
	return path
}

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	insp := integrity.NewInspector(integrity.DefaultConfig(), nil)
	return NewExecutor(insp, "", nil)
}

func TestExecutorIsSingleUse(t *testing.T) {
	path := newStoreWithData(t)
	insp := integrity.NewInspector(integrity.DefaultConfig(), nil)
	plan := BuildPlan(insp.Inspect(context.Background(), path), nil)
	opt, ok := plan.Option(StrategyNoAction)
	if !ok {
		t.Fatalf("healthy store must offer no-action, got %+v", plan.Options)
	}

	exec := testExecutor(t)
	if _, err := exec.Execute(context.Background(), plan, opt, nil); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := exec.Execute(context.Background(), plan, opt, nil); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("want ErrAlreadyExecuted on reuse, got %v", err)
	}
}

func TestRebuildPreservesDamagedFile(t *testing.T) {
	path := newStoreWithData(t)
	plan := &Plan{Path: path}

	res, err := testExecutor(t).Execute(context.Background(), plan, rebuildOption(), nil)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.PreservedPath == "" {
		t.Fatal("rebuild must preserve the old file")
	}
	if !strings.Contains(filepath.Base(res.PreservedPath), ".corrupted.") {
		t.Errorf("preserved copy must carry the corrupted tag: %s", res.PreservedPath)
	}
	if _, err := os.Stat(res.PreservedPath); err != nil {
		t.Errorf("preserved file missing: %v", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open rebuilt: %v", err)
	}
	defer func() { _ = db.Close() }()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM projects").Scan(&n); err != nil {
		t.Fatalf("query rebuilt store: %v", err)
	}
	if n != 0 {
		t.Errorf("rebuilt store must be empty, got %d projects", n)
	}
}

func TestPartialRecoveryKeepsReadableData(t *testing.T) {
	path := newStoreWithData(t)
	insp := integrity.NewInspector(integrity.DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), path)
	plan := &Plan{Path: path, Severity: rep.Severity.String()}

	var seen []string
	progress := func(p Progress) {
		if p.Status == StatusRunning {
			seen = append(seen, p.CurrentStep)
		}
	}
	res, err := testExecutor(t).Execute(context.Background(), plan, partialOption(rep), progress)
	if err != nil {
		t.Fatalf("partial recovery: %v", err)
	}
	if res.Status != StatusSucceeded.String() {
		t.Fatalf("want success, got %s", res.Status)
	}
	if len(seen) != len(partialOption(rep).Steps) {
		t.Errorf("progress must fire once per step, got %v", seen)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open recovered: %v", err)
	}
	defer func() { _ = db.Close() }()

	var name string
	if err := db.QueryRow("SELECT name FROM projects WHERE id = 1").Scan(&name); err != nil {
		t.Fatalf("read project: %v", err)
	}
	if name != "petstore" {
		t.Errorf("want petstore, got %q", name)
	}
	var history, count int
	if err := db.QueryRow("SELECT COUNT(*) FROM request_history").Scan(&history); err != nil {
		t.Fatalf("read history: %v", err)
	}
	if err := db.QueryRow("SELECT request_count FROM projects WHERE id = 1").Scan(&count); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if history != 2 || count != 2 {
		t.Errorf("want 2 history rows and counter 2 after reimport, got %d and %d", history, count)
	}
}

func TestPartialRecoveryKeepsUserSettings(t *testing.T) {
	path := newStoreWithData(t)
	ctx := context.Background()

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"UPDATE global_config SET value = 'dark' WHERE key = 'theme'"); err != nil {
		t.Fatalf("change setting: %v", err)
	}
	_ = db.Close()

	insp := integrity.NewInspector(integrity.DefaultConfig(), nil)
	rep := insp.Inspect(ctx, path)
	plan := &Plan{Path: path, Severity: rep.Severity.String()}
	if _, err := testExecutor(t).Execute(ctx, plan, partialOption(rep), nil); err != nil {
		t.Fatalf("partial recovery: %v", err)
	}

	db, err = sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open recovered: %v", err)
	}
	defer func() { _ = db.Close() }()
	var theme string
	if err := db.QueryRow(
		"SELECT value FROM global_config WHERE key = 'theme'").Scan(&theme); err != nil {
		t.Fatalf("read setting: %v", err)
	}
	if theme != "dark" {
		t.Errorf("user setting must win over the reseeded default, got %q", theme)
	}
}

func TestRestoreWithoutBackupFails(t *testing.T) {
	path := newStoreWithData(t)
	plan := &Plan{Path: path}

	_, err := testExecutor(t).Execute(context.Background(), plan, restoreOption(nil), nil)
	if !errors.Is(err, ErrNoBackupAvailable) {
		t.Fatalf("want ErrNoBackupAvailable, got %v", err)
	}
}

func TestRestoreFromBackup(t *testing.T) {
	path := newStoreWithData(t)
	ctx := context.Background()

	backup, err := CreateBackup(ctx, path, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	// Damage the live file after the backup was taken.
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("damage: %v", err)
	}

	plan := &Plan{Path: path, Backups: []BackupDescriptor{backup}}
	res, err := testExecutor(t).Execute(ctx, plan, restoreOption(plan.Backups), nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if res.Status != StatusSucceeded.String() {
		t.Fatalf("want success, got %s", res.Status)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer func() { _ = db.Close() }()
	var name string
	if err := db.QueryRow("SELECT name FROM projects WHERE id = 1").Scan(&name); err != nil {
		t.Fatalf("read restored project: %v", err)
	}
	if name != "petstore" {
		t.Errorf("want petstore back, got %q", name)
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	path := newStoreWithData(t)
	plan := &Plan{Path: path}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := testExecutor(t).Execute(ctx, plan, rebuildOption(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if res.Status != StatusCanceled.String() {
		t.Errorf("want canceled status, got %s", res.Status)
	}
}

func TestCreateBackupNaming(t *testing.T) {
	path := newStoreWithData(t)
	b, err := CreateBackup(context.Background(), path, "")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !backupNameRe.MatchString(filepath.Base(b.Path)) {
		t.Errorf("backup name %q does not match the naming scheme", filepath.Base(b.Path))
	}
	if b.Size == 0 {
		t.Error("backup must not be empty")
	}

	found, err := ScanBackups(path, "")
	if err != nil || len(found) != 1 {
		t.Fatalf("scan after backup: %v, %d found", err, len(found))
	}
}

func TestCreateBackupOfCorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	if err := os.WriteFile(path, []byte("not a database"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := CreateBackup(context.Background(), path, "")
	if err != nil {
		t.Fatalf("backup of corrupt file must fall back to a raw copy: %v", err)
	}
	data, err := os.ReadFile(b.Path)
	if err != nil || string(data) != "not a database" {
		t.Errorf("raw copy mismatch: %v %q", err, data)
	}
}
