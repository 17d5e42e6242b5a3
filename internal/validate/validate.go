// Package validate checks a live database against the expected schema and
// the store's own consistency rules, and repairs what it safely can.
package validate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
)

// Level selects how deep a validation run goes. Each level includes
// everything below it.
type Level int

const (
	// LevelBasic checks schema structure and runs the engine's quick scan.
	LevelBasic Level = iota
	// LevelStandard adds referential and domain consistency checks.
	LevelStandard
	// LevelThorough adds the full corruption scan and statistics checks.
	LevelThorough
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelStandard:
		return "standard"
	case LevelThorough:
		return "thorough"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a CLI flag value to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "basic":
		return LevelBasic, nil
	case "standard", "":
		return LevelStandard, nil
	case "thorough":
		return LevelThorough, nil
	default:
		return 0, fmt.Errorf("unknown validation level %q (want basic, standard, or thorough)", s)
	}
}

// Kind classifies what a validation issue is about.
type Kind string

const (
	KindStructure   Kind = "structure"
	KindCorruption  Kind = "corruption"
	KindForeignKey  Kind = "foreign_key"
	KindConsistency Kind = "consistency"
	KindOrphan      Kind = "orphan"
	KindConstraint  Kind = "constraint"
	KindStatistics  Kind = "statistics"
	// KindCheckFailure marks a check that could not run at all.
	KindCheckFailure Kind = "check_failure"
)

// Severity ranks how urgent an issue is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Issue is one finding from a validation run. AutoFixable issues carry the
// statement that repairs them.
type Issue struct {
	Kind        Kind     `json:"kind" yaml:"kind"`
	Severity    Severity `json:"-" yaml:"-"`
	SeverityStr string   `json:"severity" yaml:"severity"`
	Table       string   `json:"table,omitempty" yaml:"table,omitempty"`
	Column      string   `json:"column,omitempty" yaml:"column,omitempty"`
	Description string   `json:"description" yaml:"description"`
	Detail      string   `json:"detail,omitempty" yaml:"detail,omitempty"`
	AutoFixable bool     `json:"auto_fixable" yaml:"auto_fixable"`
	FixSQL      string   `json:"-" yaml:"-"`
}

// Result is the outcome of one validation run.
type Result struct {
	Level     string        `json:"level" yaml:"level"`
	ChecksRun []string      `json:"checks_run" yaml:"checks_run"`
	Issues    []Issue       `json:"issues" yaml:"issues"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	CheckedAt time.Time     `json:"checked_at" yaml:"checked_at"`
}

// Healthy reports whether the run found no issues.
func (r *Result) Healthy() bool { return len(r.Issues) == 0 }

// Worst returns the highest severity present, or SeverityInfo when clean.
func (r *Result) Worst() Severity {
	worst := SeverityInfo
	for _, is := range r.Issues {
		if is.Severity > worst {
			worst = is.Severity
		}
	}
	return worst
}

// Config holds validation and maintenance tunables.
type Config struct {
	// HistoryMaxAge is how long request history rows are kept by Optimize.
	HistoryMaxAge time.Duration
	// HistoryMaxRows caps the history table size during Optimize.
	HistoryMaxRows int
}

// DefaultConfig returns the maintenance defaults.
func DefaultConfig() Config {
	return Config{
		HistoryMaxAge:  90 * 24 * time.Hour,
		HistoryMaxRows: 10000,
	}
}

// Engine runs validations and fixes against an acquired database handle.
type Engine struct {
	cfg Config
	log *zap.SugaredLogger
}

func NewEngine(cfg Config, log *zap.SugaredLogger) *Engine {
	if cfg.HistoryMaxRows <= 0 {
		cfg.HistoryMaxRows = 10000
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = 90 * 24 * time.Hour
	}
	return &Engine{cfg: cfg, log: log}
}

type check struct {
	name string
	run  func(ctx context.Context, h *connection.Handle) ([]Issue, error)
}

func (e *Engine) checksFor(level Level) []check {
	checks := []check{
		{"structure", e.checkStructure},
		{"quick_check", e.checkQuick},
		{"foreign_keys", e.checkForeignKeys},
	}
	if level >= LevelStandard {
		checks = append(checks,
			check{"request_counts", e.checkRequestCounts},
			check{"orphans", e.checkOrphans},
			check{"constraints", e.checkConstraints},
		)
	}
	if level >= LevelThorough {
		checks = append(checks,
			check{"integrity_check", e.checkFullIntegrity},
			check{"statistics", e.checkStatistics},
		)
	}
	return checks
}

// Validate runs every check for the level. A check that errors does not
// abort the run; it contributes a critical issue naming the check instead.
func (e *Engine) Validate(ctx context.Context, h *connection.Handle, level Level) (*Result, error) {
	start := time.Now()
	res := &Result{Level: level.String(), CheckedAt: start}

	for _, c := range e.checksFor(level) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issues, err := c.run(ctx, h)
		res.ChecksRun = append(res.ChecksRun, c.name)
		if err != nil {
			if e.log != nil {
				e.log.Warnw("validation check failed", "check", c.name, "error", err)
			}
			res.Issues = append(res.Issues, Issue{
				Kind:        KindCheckFailure,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("check %q could not run", c.name),
				Detail:      err.Error(),
			})
			continue
		}
		res.Issues = append(res.Issues, issues...)
	}

	for i := range res.Issues {
		res.Issues[i].SeverityStr = res.Issues[i].Severity.String()
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
