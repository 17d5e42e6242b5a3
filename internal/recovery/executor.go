package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
)

var (
	// ErrNoBackupAvailable is returned when a restore was requested but no
	// backup of the database exists.
	ErrNoBackupAvailable = errors.New("no backup available")
	// ErrStillCorrupted is returned when the post-recovery verification
	// still finds damage.
	ErrStillCorrupted = errors.New("database still corrupted after recovery")
	// ErrUnsupportedStrategy is returned for strategies the executor
	// cannot carry out.
	ErrUnsupportedStrategy = errors.New("unsupported recovery strategy")
	// ErrAlreadyExecuted is returned when an executor is reused.
	ErrAlreadyExecuted = errors.New("recovery executor already ran")
)

// Status tracks where an execution is in its lifecycle.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Progress is a point-in-time snapshot of an execution.
type Progress struct {
	Status      Status
	CurrentStep string
	Completed   int
	Total       int
	Err         error
}

// Percent returns completion in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// ProgressFunc receives progress snapshots. Called synchronously; keep it
// cheap.
type ProgressFunc func(Progress)

// StepOutcome records one executed step.
type StepOutcome struct {
	Name      string        `json:"name" yaml:"name"`
	Succeeded bool          `json:"succeeded" yaml:"succeeded"`
	Detail    string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Result is the outcome of one recovery execution.
type Result struct {
	Strategy      string        `json:"strategy" yaml:"strategy"`
	Status        string        `json:"status" yaml:"status"`
	Steps         []StepOutcome `json:"steps" yaml:"steps"`
	PreservedPath string        `json:"preserved_path,omitempty" yaml:"preserved_path,omitempty"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Executor carries out one recovery option. Single use: a second Execute
// call fails with ErrAlreadyExecuted.
type Executor struct {
	insp      *integrity.Inspector
	log       *zap.SugaredLogger
	backupDir string
	started   atomic.Bool
}

// NewExecutor creates an executor. backupDir may be empty to keep copies
// next to the database.
func NewExecutor(insp *integrity.Inspector, backupDir string, log *zap.SugaredLogger) *Executor {
	return &Executor{insp: insp, log: log, backupDir: backupDir}
}

// tableDump holds one exported table during partial recovery.
type tableDump struct {
	name    string
	columns []string
	rows    [][]any
}

// runState is the scratch space steps share during one execution.
type runState struct {
	path      string
	plan      *Plan
	preserved string
	dumps     []tableDump
}

// Execute runs the option's steps in order against the database at
// plan.Path. Cancellation is honored between steps, never mid-step. The
// caller must have released every open handle on the database first.
func (e *Executor) Execute(ctx context.Context, plan *Plan, opt Option, progress ProgressFunc) (*Result, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyExecuted
	}
	if progress == nil {
		progress = func(Progress) {}
	}
	start := time.Now()
	res := &Result{Strategy: opt.Strategy.String()}
	st := &runState{path: plan.Path, plan: plan}

	if opt.Strategy == StrategyNoAction {
		res.Status = StatusSucceeded.String()
		res.Elapsed = time.Since(start)
		progress(Progress{Status: StatusSucceeded, Completed: 0, Total: 0})
		return res, nil
	}

	total := len(opt.Steps)
	fail := func(stepName string, err error) (*Result, error) {
		status := StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = StatusCanceled
		}
		res.Status = status.String()
		res.PreservedPath = st.preserved
		res.Elapsed = time.Since(start)
		progress(Progress{Status: status, CurrentStep: stepName, Completed: len(res.Steps), Total: total, Err: err})
		if e.log != nil {
			e.log.Errorw("recovery failed", "strategy", opt.Strategy.String(), "step", stepName, "error", err)
		}
		return res, err
	}

	for i, s := range opt.Steps {
		if err := ctx.Err(); err != nil {
			return fail(s.Name, err)
		}
		progress(Progress{Status: StatusRunning, CurrentStep: s.Name, Completed: i, Total: total})

		stepStart := time.Now()
		detail, err := e.runStep(ctx, s.Kind, opt.Strategy, st)
		outcome := StepOutcome{Name: s.Name, Detail: detail, Elapsed: time.Since(stepStart)}
		if err != nil {
			res.Steps = append(res.Steps, outcome)
			return fail(s.Name, err)
		}
		outcome.Succeeded = true
		res.Steps = append(res.Steps, outcome)
	}

	res.Status = StatusSucceeded.String()
	res.PreservedPath = st.preserved
	res.Elapsed = time.Since(start)
	progress(Progress{Status: StatusSucceeded, Completed: total, Total: total})
	if e.log != nil {
		e.log.Infow("recovery succeeded", "strategy", opt.Strategy.String(), "path", plan.Path)
	}
	return res, nil
}

func (e *Executor) runStep(ctx context.Context, kind StepKind, strat Strategy, st *runState) (string, error) {
	switch kind {
	case StepPreserveDamaged:
		return e.preserveDamaged(st)
	case StepCheckpoint:
		return "", execOn(ctx, st.path, "PRAGMA wal_checkpoint(TRUNCATE)")
	case StepReindex:
		return "", execOn(ctx, st.path, "REINDEX")
	case StepExportReadable:
		return e.exportReadable(ctx, st)
	case StepRecreateSchema:
		return "", e.recreateSchema(ctx, st)
	case StepReimportData:
		return e.reimportData(ctx, st)
	case StepRestoreBackup:
		return e.restoreBackup(st)
	case StepVerify:
		return e.verify(ctx, st)
	default:
		return "", fmt.Errorf("%w: step %s in %s", ErrUnsupportedStrategy, kind, strat)
	}
}

// preserveDamaged moves the current file (and its sidecars) aside so
// nothing destructive ever touches the only copy of the user's data.
func (e *Executor) preserveDamaged(st *runState) (string, error) {
	dst := sidecarName(filepath.Dir(st.path), filepath.Base(st.path), TagCorrupted, time.Now())
	if err := os.Rename(st.path, dst); err != nil {
		return "", fmt.Errorf("preserve damaged file: %w", err)
	}
	for _, sc := range []string{st.path + "-wal", st.path + "-shm", st.path + "-journal"} {
		if _, err := os.Stat(sc); err == nil {
			_ = os.Rename(sc, dst+sc[len(st.path):])
		}
	}
	st.preserved = dst
	return "damaged file preserved at " + dst, nil
}

// exportReadable dumps every readable data table into memory. Tables the
// integrity report flagged as fully corrupted are skipped; a table that
// fails mid-read keeps the rows read so far.
func (e *Executor) exportReadable(ctx context.Context, st *runState) (string, error) {
	src := st.path
	if st.preserved != "" {
		src = st.preserved
	}
	db, err := sql.Open("sqlite3", "file:"+src+"?mode=ro&_pragma=busy_timeout(2000)&_time_format=sqlite")
	if err != nil {
		return "", fmt.Errorf("open damaged database: %w", err)
	}
	defer func() { _ = db.Close() }()

	skip := map[string]bool{}
	rep := e.insp.Inspect(ctx, src)
	for _, t := range rep.CorruptedTables {
		skip[t] = true
	}

	var exported, rows int
	for _, tbl := range catalog.Current().Tables {
		if tbl.Name == catalog.MetadataTable || skip[tbl.Name] {
			continue
		}
		dump, err := dumpTable(ctx, db, &tbl)
		if err != nil {
			if e.log != nil {
				e.log.Warnw("table export failed", "table", tbl.Name, "error", err)
			}
			if dump == nil {
				continue
			}
		}
		st.dumps = append(st.dumps, *dump)
		exported++
		rows += len(dump.rows)
	}
	return fmt.Sprintf("exported %d table(s), %d row(s)", exported, rows), nil
}

func dumpTable(ctx context.Context, db *sql.DB, tbl *catalog.Table) (*tableDump, error) {
	cols := tbl.ColumnNames()
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), tbl.Name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	dump := &tableDump{name: tbl.Name, columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dump, err
		}
		dump.rows = append(dump.rows, vals)
	}
	return dump, rows.Err()
}

func (e *Executor) recreateSchema(ctx context.Context, st *runState) error {
	db, err := sql.Open("sqlite3",
		"file:"+st.path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_time_format=sqlite")
	if err != nil {
		return fmt.Errorf("create fresh database: %w", err)
	}
	defer func() { _ = db.Close() }()
	return catalog.Current().Apply(ctx, db)
}

// reimportData reinserts the exported rows in catalog order so parents land
// before children. REPLACE makes the exported values win over anything the
// schema step put in place, notably the global_config seed rows. Afterwards
// the derived request counters are rebuilt because the insert trigger
// double-counted them.
func (e *Executor) reimportData(ctx context.Context, st *runState) (string, error) {
	db, err := sql.Open("sqlite3",
		"file:"+st.path+"?_pragma=foreign_keys(ON)&_time_format=sqlite")
	if err != nil {
		return "", fmt.Errorf("open fresh database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted, skipped int
	for _, dump := range st.dumps {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(dump.columns)), ", ")
		q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			dump.name, strings.Join(dump.columns, ", "), placeholders)
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return "", fmt.Errorf("prepare reimport of %s: %w", dump.name, err)
		}
		for _, row := range dump.rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				skipped++
				continue
			}
			inserted++
		}
		_ = stmt.Close()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET request_count =
			(SELECT COUNT(*) FROM request_history WHERE project_id = projects.id)
	`); err != nil {
		return "", fmt.Errorf("rebuild request counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fmt.Sprintf("reinserted %d row(s), skipped %d", inserted, skipped), nil
}

func (e *Executor) restoreBackup(st *runState) (string, error) {
	if len(st.plan.Backups) == 0 {
		return "", ErrNoBackupAvailable
	}
	newest := st.plan.Backups[0]
	if err := copyFile(newest.Path, st.path); err != nil {
		return "", fmt.Errorf("restore backup: %w", err)
	}
	return "restored " + newest.Path, nil
}

func (e *Executor) verify(ctx context.Context, st *runState) (string, error) {
	rep := e.insp.Inspect(ctx, st.path)
	if !rep.Healthy() {
		return "", fmt.Errorf("%w: severity %s", ErrStillCorrupted, rep.Severity)
	}
	return "verification clean", nil
}

func execOn(ctx context.Context, path, stmt string) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(ctx, stmt)
	return err
}
