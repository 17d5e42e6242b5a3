package validate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
)

func newStore(t *testing.T) *connection.Handle {
	t.Helper()
	reg := connection.NewRegistry(connection.DefaultConfig(), nil)
	t.Cleanup(reg.Shutdown)

	path := filepath.Join(t.TempDir(), "store.db")
	h, err := reg.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := catalog.Current().Apply(context.Background(), h.DB()); err != nil {
		t.Fatalf("apply catalog: %v", err)
	}
	return h
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"basic", LevelBasic, false},
		{"standard", LevelStandard, false},
		{"", LevelStandard, false},
		{"thorough", LevelThorough, false},
		{"exhaustive", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestValidateHealthyStore(t *testing.T) {
	h := newStore(t)
	engine := NewEngine(DefaultConfig(), nil)

	for _, level := range []Level{LevelBasic, LevelStandard, LevelThorough} {
		res, err := engine.Validate(context.Background(), h, level)
		if err != nil {
			t.Fatalf("validate %s: %v", level, err)
		}
		if !res.Healthy() {
			t.Errorf("fresh store must validate clean at %s, got %+v", level, res.Issues)
		}
	}
}

func TestLevelsAreCumulative(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil)
	basic := len(engine.checksFor(LevelBasic))
	standard := len(engine.checksFor(LevelStandard))
	thorough := len(engine.checksFor(LevelThorough))
	if !(basic < standard && standard < thorough) {
		t.Errorf("levels must add checks: basic=%d standard=%d thorough=%d", basic, standard, thorough)
	}
}

func TestMissingTableIsNotAutoFixable(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()
	if _, err := h.DB().Exec("DROP TABLE environments"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	engine := NewEngine(DefaultConfig(), nil)
	res, err := engine.Validate(ctx, h, LevelStandard)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	var issue *Issue
	for i := range res.Issues {
		if res.Issues[i].Kind == KindStructure && res.Issues[i].Table == "environments" && res.Issues[i].Column == "" {
			issue = &res.Issues[i]
			break
		}
	}
	if issue == nil {
		t.Fatalf("missing table not reported: %+v", res.Issues)
	}
	if issue.Severity != SeverityHigh {
		t.Errorf("missing table must be high severity, got %s", issue.Severity)
	}
	if issue.AutoFixable || issue.FixSQL != "" {
		t.Errorf("recreating a lost table is a recovery job, not an auto-fix: %+v", issue)
	}

	// The table's own index must not surface as a second fixable issue.
	for _, is := range res.Issues {
		if is.Kind == KindStructure && is.Table == "environments" && is.AutoFixable {
			t.Errorf("index on the missing table must be subsumed: %+v", is)
		}
	}
}

func TestMissingIndexDetectedAndFixed(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()
	if _, err := h.DB().Exec("DROP INDEX idx_environments_project"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	engine := NewEngine(DefaultConfig(), nil)
	res, err := engine.Validate(ctx, h, LevelBasic)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var issue *Issue
	for i := range res.Issues {
		if res.Issues[i].Kind == KindStructure && res.Issues[i].Table == "environments" {
			issue = &res.Issues[i]
			break
		}
	}
	if issue == nil {
		t.Fatalf("missing index not reported: %+v", res.Issues)
	}
	if !issue.AutoFixable {
		t.Fatal("missing index must be auto-fixable")
	}

	fixed, err := engine.AutoFix(ctx, h, res.Issues)
	if err != nil {
		t.Fatalf("autofix: %v", err)
	}
	if len(fixed.Applied) == 0 {
		t.Fatalf("no fixes applied: %+v", fixed.Failed)
	}

	res, err = engine.Validate(ctx, h, LevelBasic)
	if err != nil {
		t.Fatalf("re-validate: %v", err)
	}
	if !res.Healthy() {
		t.Errorf("store must validate clean after fixing, got %+v", res.Issues)
	}
}

func TestRequestCountDriftDetectedAndFixed(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()
	if _, err := h.DB().Exec(
		"INSERT INTO projects (name, request_count) VALUES ('drifted', 42)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine := NewEngine(DefaultConfig(), nil)
	res, err := engine.Validate(ctx, h, LevelStandard)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	var drift *Issue
	for i := range res.Issues {
		if res.Issues[i].Kind == KindConsistency {
			drift = &res.Issues[i]
			break
		}
	}
	if drift == nil {
		t.Fatalf("request count drift not reported: %+v", res.Issues)
	}
	if !drift.AutoFixable {
		t.Fatal("drift must be auto-fixable")
	}

	if _, err := engine.AutoFix(ctx, h, res.Issues); err != nil {
		t.Fatalf("autofix: %v", err)
	}
	var count int
	if err := h.DB().QueryRow(
		"SELECT request_count FROM projects WHERE name = 'drifted'").Scan(&count); err != nil {
		t.Fatalf("read: %v", err)
	}
	if count != 0 {
		t.Errorf("want request_count reset to 0, got %d", count)
	}
}

func TestOrphanRowsDetectedAndFixed(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()

	// Orphans slip in when a past writer ran with foreign keys off.
	conn, err := h.DB().Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := conn.ExecContext(ctx,
		"INSERT INTO auth_configs (project_id, auth_type) VALUES (999, 'basic')"); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	_ = conn.Close()

	engine := NewEngine(DefaultConfig(), nil)
	res, err := engine.Validate(ctx, h, LevelStandard)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Healthy() {
		t.Fatal("orphan row must be detected")
	}

	if _, err := engine.AutoFix(ctx, h, res.Issues); err != nil {
		t.Fatalf("autofix: %v", err)
	}
	var n int
	if err := h.DB().QueryRow("SELECT COUNT(*) FROM auth_configs").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("orphan must be deleted by autofix, %d rows remain", n)
	}
}

func TestCheckFailureBecomesCriticalIssue(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()
	// Dropping projects makes the consistency checks unable to run at all.
	if _, err := h.DB().Exec(
		"DROP TRIGGER trg_history_request_count; DROP VIEW project_stats; DROP TABLE projects"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	engine := NewEngine(DefaultConfig(), nil)
	res, err := engine.Validate(ctx, h, LevelStandard)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	found := false
	for _, is := range res.Issues {
		if is.Kind == KindCheckFailure && is.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("a check that cannot run must surface as a critical issue: %+v", res.Issues)
	}
}

func TestOptimizeExpiresHistory(t *testing.T) {
	h := newStore(t)
	ctx := context.Background()
	if _, err := h.DB().Exec("INSERT INTO projects (name) VALUES ('p')"); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := h.DB().Exec(
			"INSERT INTO request_history (project_id, api_path) VALUES (1, '/pets')"); err != nil {
			t.Fatalf("insert history: %v", err)
		}
	}

	engine := NewEngine(Config{HistoryMaxAge: 24 * time.Hour, HistoryMaxRows: 2}, nil)
	steps := engine.Optimize(ctx, h)

	byName := map[string]StepResult{}
	for _, s := range steps {
		byName[s.Name] = s
	}
	expire, ok := byName["expire_history"]
	if !ok || !expire.Succeeded {
		t.Fatalf("expire step missing or failed: %+v", steps)
	}
	if expire.RowsAffected != 3 {
		t.Errorf("want 3 rows expired, got %d", expire.RowsAffected)
	}

	var n int
	if err := h.DB().QueryRow("SELECT COUNT(*) FROM request_history").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("want 2 history rows kept, got %d", n)
	}

	for _, name := range []string{"analyze", "reindex", "vacuum"} {
		if s, ok := byName[name]; !ok || !s.Succeeded {
			t.Errorf("step %s missing or failed: %+v", name, s)
		}
	}
}
