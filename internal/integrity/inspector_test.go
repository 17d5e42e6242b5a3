package integrity

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
)

func newStoreFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_time_format=sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := catalog.Current().Apply(context.Background(), db); err != nil {
		t.Fatalf("apply catalog: %v", err)
	}
	return path
}

func TestInspectHealthy(t *testing.T) {
	insp := NewInspector(DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), newStoreFile(t))

	if !rep.Healthy() {
		t.Fatalf("fresh store must be healthy, got severity %s: %+v", rep.Severity, rep.Checks)
	}
	if !rep.Openable {
		t.Error("fresh store must be openable")
	}
	if len(rep.CorruptedTables) != 0 || len(rep.RecoverableTables) != 0 {
		t.Errorf("no tables should be flagged: %v %v", rep.CorruptedTables, rep.RecoverableTables)
	}
}

func TestInspectCountsRecords(t *testing.T) {
	path := newStoreFile(t)
	db, err := sql.Open("sqlite3", "file:"+path+"?_time_format=sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stmts := []string{
		"INSERT INTO projects (name) VALUES ('a')",
		"INSERT INTO projects (name) VALUES ('b')",
		"INSERT INTO request_history (project_id, api_path) VALUES (1, '/x')",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	_ = db.Close()

	insp := NewInspector(DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), path)

	if rep.RowCounts["projects"] != 2 || rep.RowCounts["request_history"] != 1 {
		t.Errorf("unexpected row counts: %v", rep.RowCounts)
	}
	// 2 projects + 1 history + 4 seeded config rows, all readable.
	if rep.TotalRecords != 7 || rep.RecoverableRecords != 7 {
		t.Errorf("want 7 total and recoverable records, got %d and %d",
			rep.TotalRecords, rep.RecoverableRecords)
	}
	if len(rep.Recommendations) != 0 {
		t.Errorf("healthy store needs no recommendations, got %v", rep.Recommendations)
	}
}

func TestInspectMissingTable(t *testing.T) {
	path := newStoreFile(t)
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec("DROP VIEW project_stats; DROP TABLE request_history"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_ = db.Close()

	insp := NewInspector(DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), path)

	if rep.Healthy() {
		t.Fatal("missing table must not pass inspection")
	}
	found := false
	for _, m := range rep.MissingTables {
		if m == "request_history" {
			found = true
		}
	}
	if !found {
		t.Errorf("request_history must be reported missing, got %v", rep.MissingTables)
	}
}

func TestInspectUnopenableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte("this is not a database file at all"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	insp := NewInspector(DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), path)

	if rep.Severity != SeverityTotal {
		t.Errorf("garbage file must grade total, got %s", rep.Severity)
	}
	if rep.Openable {
		t.Error("garbage file must not be openable")
	}
	if len(rep.Recommendations) == 0 {
		t.Error("an unreadable file must carry a recommendation")
	}
}

func TestSeverityOrdering(t *testing.T) {
	order := []Severity{SeverityNone, SeverityMinor, SeverityModerate, SeveritySevere, SeverityTotal}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%s must rank below %s", order[i-1], order[i])
		}
	}
}

func TestClassifyThresholds(t *testing.T) {
	insp := NewInspector(Config{MinorRatio: 0.30, ModerateRatio: 0.70}, nil)
	// Five data tables; the ratio is damaged / 5.
	tests := []struct {
		name    string
		damaged []string
		want    Severity
	}{
		{"clean", nil, SeverityNone},
		{"one table", []string{"projects"}, SeverityMinor},
		{"two tables", []string{"projects", "environments"}, SeverityModerate},
		{"three tables", []string{"projects", "environments", "auth_configs"}, SeverityModerate},
		{"four tables", []string{"projects", "environments", "auth_configs", "global_config"}, SeveritySevere},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Report{Openable: true, CorruptedTables: tt.damaged}
			if got := insp.classify(rep); got != tt.want {
				t.Errorf("classify(%d damaged) = %s, want %s", len(tt.damaged), got, tt.want)
			}
		})
	}
}

func TestClassifyFailedCheckWithoutTables(t *testing.T) {
	insp := NewInspector(DefaultConfig(), nil)
	rep := Report{
		Openable: true,
		Checks:   []CheckResult{{Name: "foreign_key_check", Passed: false}},
	}
	if got := insp.classify(rep); got != SeverityMinor {
		t.Errorf("a failed check with no attributable table must grade minor, got %s", got)
	}
}

func TestCorruptedAndRecoverableDisjoint(t *testing.T) {
	path := newStoreFile(t)
	insp := NewInspector(DefaultConfig(), nil)
	rep := insp.Inspect(context.Background(), path)

	seen := map[string]bool{}
	for _, tbl := range rep.CorruptedTables {
		seen[tbl] = true
	}
	for _, tbl := range rep.RecoverableTables {
		if seen[tbl] {
			t.Errorf("table %s appears in both corrupted and recoverable lists", tbl)
		}
	}
}
