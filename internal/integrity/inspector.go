// Package integrity classifies database corruption. The inspector runs a
// battery of independent checks and grades the damage so the recovery
// planner can pick a proportionate strategy.
package integrity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
)

// Severity grades how damaged a database is.
type Severity int

const (
	// SeverityNone means every check passed.
	SeverityNone Severity = iota
	// SeverityMinor means isolated damage; in-place repair is plausible.
	SeverityMinor
	// SeverityModerate means significant damage; partial recovery is the
	// safest path.
	SeverityModerate
	// SeveritySevere means most tables are unreadable.
	SeveritySevere
	// SeverityTotal means the file cannot be opened at all.
	SeverityTotal
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityTotal:
		return "total"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// CheckResult is the outcome of one isolated check.
type CheckResult struct {
	Name    string   `json:"name" yaml:"name"`
	Passed  bool     `json:"passed" yaml:"passed"`
	Details []string `json:"details,omitempty" yaml:"details,omitempty"`
}

// Report is the full outcome of an inspection run.
type Report struct {
	Path string `json:"path" yaml:"path"`
	// Openable is false only when the file could not be opened, in which
	// case Severity is SeverityTotal and no other checks ran.
	Openable bool          `json:"openable" yaml:"openable"`
	Severity Severity      `json:"severity" yaml:"severity"`
	Checks   []CheckResult `json:"checks" yaml:"checks"`
	// CorruptedTables and RecoverableTables partition the expected data
	// tables that showed problems; a table appears in at most one list.
	CorruptedTables   []string `json:"corrupted_tables,omitempty" yaml:"corrupted_tables,omitempty"`
	RecoverableTables []string `json:"recoverable_tables,omitempty" yaml:"recoverable_tables,omitempty"`
	MissingTables     []string `json:"missing_tables,omitempty" yaml:"missing_tables,omitempty"`
	// RowCounts holds the observed row count per countable data table.
	// Fully corrupted tables never appear here; their counts are unknowable.
	RowCounts map[string]int64 `json:"row_counts,omitempty" yaml:"row_counts,omitempty"`
	// TotalRecords is the sum of every observed count; RecoverableRecords
	// restricts the sum to tables a partial recovery could salvage.
	TotalRecords       int64         `json:"total_records" yaml:"total_records"`
	RecoverableRecords int64         `json:"recoverable_records" yaml:"recoverable_records"`
	Recommendations    []string      `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
	Elapsed            time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Healthy reports whether the inspection found nothing wrong.
func (r Report) Healthy() bool { return r.Severity == SeverityNone }

// Config holds the severity classification thresholds.
type Config struct {
	// MinorRatio is the corrupted-table ratio at or above which damage is
	// graded moderate instead of minor.
	MinorRatio float64
	// ModerateRatio is the ratio at or above which damage is graded severe.
	ModerateRatio float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{MinorRatio: 0.30, ModerateRatio: 0.70}
}

// Inspector runs corruption checks against database files.
type Inspector struct {
	cfg Config
	log *zap.SugaredLogger
}

func NewInspector(cfg Config, log *zap.SugaredLogger) *Inspector {
	if cfg.MinorRatio <= 0 || cfg.MinorRatio >= 1 {
		cfg.MinorRatio = 0.30
	}
	if cfg.ModerateRatio <= cfg.MinorRatio || cfg.ModerateRatio >= 1 {
		cfg.ModerateRatio = 0.70
	}
	return &Inspector{cfg: cfg, log: log}
}

// Inspect opens path read-only and runs every check. Checks are isolated:
// a failing or erroring check is recorded and the rest still run. An
// unopenable file short-circuits to SeverityTotal.
func (i *Inspector) Inspect(ctx context.Context, path string) Report {
	start := time.Now()
	rep := Report{Path: path}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(2000)&_time_format=sqlite")
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		rep.Severity = SeverityTotal
		rep.Checks = append(rep.Checks, CheckResult{
			Name:    "open",
			Details: []string{err.Error()},
		})
		rep.Recommendations = i.recommend(&rep)
		rep.Elapsed = time.Since(start)
		return rep
	}
	defer func() { _ = db.Close() }()
	rep.Openable = true
	rep.Checks = append(rep.Checks, CheckResult{Name: "open", Passed: true})

	damaged := map[string]bool{} // table -> fully corrupted (vs partially readable)

	rep.Checks = append(rep.Checks, i.checkIntegrityPragma(ctx, db, damaged))
	missing, presence := i.checkTablePresence(ctx, db)
	rep.MissingTables = missing
	rep.Checks = append(rep.Checks, presence)
	rep.Checks = append(rep.Checks, i.checkColumns(ctx, db, missing, damaged))
	rep.Checks = append(rep.Checks, i.checkForeignKeys(ctx, db))
	rep.Checks = append(rep.Checks, i.checkIndexes(ctx, db))
	counts := map[string]int64{}
	rep.Checks = append(rep.Checks, i.checkRowScans(ctx, db, missing, damaged, counts))

	for t, total := range damaged {
		if total {
			rep.CorruptedTables = append(rep.CorruptedTables, t)
		} else {
			rep.RecoverableTables = append(rep.RecoverableTables, t)
		}
	}
	sort.Strings(rep.CorruptedTables)
	sort.Strings(rep.RecoverableTables)

	if len(counts) > 0 {
		rep.RowCounts = counts
	}
	for t, n := range counts {
		rep.TotalRecords += n
		if !damaged[t] {
			rep.RecoverableRecords += n
		}
	}

	rep.Severity = i.classify(rep)
	rep.Recommendations = i.recommend(&rep)
	rep.Elapsed = time.Since(start)
	if i.log != nil {
		i.log.Debugw("integrity inspection finished",
			"path", path, "severity", rep.Severity.String(), "elapsed", rep.Elapsed)
	}
	return rep
}

// classify grades severity from the share of expected data tables that are
// damaged. Any unreadable table is at least minor; check failures without
// attributable tables are also minor.
func (i *Inspector) classify(rep Report) Severity {
	total := len(catalog.Current().DataTableNames())
	bad := len(rep.CorruptedTables) + len(rep.RecoverableTables) + len(rep.MissingTables)
	if bad == 0 {
		for _, c := range rep.Checks {
			if !c.Passed {
				return SeverityMinor
			}
		}
		return SeverityNone
	}
	ratio := float64(bad) / float64(total)
	switch {
	case ratio >= i.cfg.ModerateRatio:
		return SeveritySevere
	case ratio >= i.cfg.MinorRatio:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// recommend derives the next actions from a graded report, worst first.
func (i *Inspector) recommend(rep *Report) []string {
	var recs []string
	switch rep.Severity {
	case SeverityNone:
		return nil
	case SeverityMinor:
		recs = append(recs, "run 'apidb recover' to repair the file in place")
	case SeverityModerate, SeveritySevere:
		if rep.RecoverableRecords > 0 {
			recs = append(recs, fmt.Sprintf(
				"%d record(s) are still readable; partial recovery can salvage them", rep.RecoverableRecords))
		}
		recs = append(recs, "restore the newest backup if one exists")
	case SeverityTotal:
		recs = append(recs, "file cannot be opened; restore a backup or rebuild with 'apidb recover'")
	}
	if len(rep.MissingTables) > 0 {
		recs = append(recs, "missing tables are recreated by 'apidb init' or a recovery run")
	}
	return recs
}

// checkIntegrityPragma runs the engine's own structural check and
// attributes reported damage to tables when the message names one.
func (i *Inspector) checkIntegrityPragma(ctx context.Context, db *sql.DB, damaged map[string]bool) CheckResult {
	res := CheckResult{Name: "integrity_check"}
	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		res.Details = []string{err.Error()}
		return res
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			res.Details = append(res.Details, err.Error())
			continue
		}
		if line == "ok" {
			continue
		}
		res.Details = append(res.Details, line)
		for _, t := range catalog.Current().DataTableNames() {
			if strings.Contains(line, t) {
				// integrity_check damage without row-level evidence is
				// treated as partial until the scan says otherwise.
				if _, seen := damaged[t]; !seen {
					damaged[t] = false
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		res.Details = append(res.Details, err.Error())
	}
	res.Passed = len(res.Details) == 0
	return res
}

func (i *Inspector) checkTablePresence(ctx context.Context, db *sql.DB) ([]string, CheckResult) {
	res := CheckResult{Name: "table_presence"}
	have := map[string]bool{}
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		res.Details = []string{err.Error()}
		return nil, res
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			res.Details = append(res.Details, err.Error())
			continue
		}
		have[name] = true
	}
	var missing []string
	for _, t := range catalog.Current().TableNames() {
		if !have[t] {
			missing = append(missing, t)
			res.Details = append(res.Details, "missing table: "+t)
		}
	}
	sort.Strings(missing)
	res.Passed = len(res.Details) == 0
	return missing, res
}

// checkColumns probes each expected table's column set with a zero-row
// select so a schema mismatch surfaces without reading data.
func (i *Inspector) checkColumns(ctx context.Context, db *sql.DB, missing []string, damaged map[string]bool) CheckResult {
	res := CheckResult{Name: "column_probe", Passed: true}
	skip := map[string]bool{}
	for _, t := range missing {
		skip[t] = true
	}
	for _, tbl := range catalog.Current().Tables {
		if skip[tbl.Name] {
			continue
		}
		q := fmt.Sprintf("SELECT %s FROM %s LIMIT 0",
			strings.Join(tbl.ColumnNames(), ", "), tbl.Name)
		rows, err := db.QueryContext(ctx, q)
		if err != nil {
			res.Passed = false
			res.Details = append(res.Details,
				fmt.Sprintf("%s: %v", tbl.Name, err))
			if _, seen := damaged[tbl.Name]; !seen {
				damaged[tbl.Name] = false
			}
			continue
		}
		_ = rows.Close()
	}
	return res
}

func (i *Inspector) checkForeignKeys(ctx context.Context, db *sql.DB) CheckResult {
	res := CheckResult{Name: "foreign_key_check"}
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		res.Details = []string{err.Error()}
		return res
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var table, parent string
		var rowid, fkid interface{}
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			res.Details = append(res.Details, err.Error())
			continue
		}
		res.Details = append(res.Details,
			fmt.Sprintf("%s row %v references missing %s", table, rowid, parent))
	}
	res.Passed = len(res.Details) == 0
	return res
}

// checkIndexes verifies index structures are readable by forcing a rebuild
// probe inside a rolled-back transaction.
func (i *Inspector) checkIndexes(ctx context.Context, db *sql.DB) CheckResult {
	res := CheckResult{Name: "index_probe"}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		res.Details = []string{err.Error()}
		return res
	}
	defer func() { _ = tx.Rollback() }()
	for _, idx := range catalog.Current().Indexes {
		if _, err := tx.ExecContext(ctx, "REINDEX "+idx.Name); err != nil {
			res.Details = append(res.Details,
				fmt.Sprintf("%s: %v", idx.Name, err))
		}
	}
	res.Passed = len(res.Details) == 0
	return res
}

// checkRowScans counts rows per table, recording each successful count. A
// failed full scan marks the table fully corrupted, overriding any partial
// grade from earlier checks.
func (i *Inspector) checkRowScans(ctx context.Context, db *sql.DB, missing []string, damaged map[string]bool, counts map[string]int64) CheckResult {
	res := CheckResult{Name: "row_scan", Passed: true}
	skip := map[string]bool{}
	for _, t := range missing {
		skip[t] = true
	}
	for _, t := range catalog.Current().DataTableNames() {
		if skip[t] {
			continue
		}
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&n); err != nil {
			res.Passed = false
			res.Details = append(res.Details, fmt.Sprintf("%s: %v", t, err))
			damaged[t] = true
			continue
		}
		counts[t] = n
	}
	return res
}
