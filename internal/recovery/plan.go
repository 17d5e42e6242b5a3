// Package recovery plans and executes database repair. The planner maps an
// integrity report to the strategies worth offering; the executor carries
// one out, always preserving the damaged file before anything destructive.
package recovery

import (
	"fmt"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/integrity"
)

// Strategy names one way to get a damaged database back into service.
type Strategy int

const (
	// StrategyNoAction is offered when the database is healthy.
	StrategyNoAction Strategy = iota
	// StrategyRepair fixes the file in place without touching data.
	StrategyRepair
	// StrategyPartialRecovery salvages readable tables into a fresh file.
	StrategyPartialRecovery
	// StrategyBackupRestore replaces the file with the newest backup.
	StrategyBackupRestore
	// StrategyRebuild recreates an empty store from the schema catalog.
	StrategyRebuild
)

func (s Strategy) String() string {
	switch s {
	case StrategyNoAction:
		return "no-action"
	case StrategyRepair:
		return "repair"
	case StrategyPartialRecovery:
		return "partial-recovery"
	case StrategyBackupRestore:
		return "backup-restore"
	case StrategyRebuild:
		return "rebuild"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy maps a CLI flag value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{
		StrategyNoAction, StrategyRepair, StrategyPartialRecovery,
		StrategyBackupRestore, StrategyRebuild,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown recovery strategy %q", s)
}

// Risk grades how much a strategy can cost the user.
type Risk int

const (
	// RiskNone loses nothing.
	RiskNone Risk = iota
	// RiskLow may lose uncommitted changes.
	RiskLow
	// RiskMedium loses data in unreadable tables.
	RiskMedium
	// RiskHigh loses everything written since the restored backup, or all
	// data for a rebuild.
	RiskHigh
)

func (r Risk) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// StepKind identifies one unit of executor work.
type StepKind int

const (
	StepPreserveDamaged StepKind = iota
	StepCheckpoint
	StepReindex
	StepExportReadable
	StepRecreateSchema
	StepReimportData
	StepRestoreBackup
	StepVerify
)

func (k StepKind) String() string {
	switch k {
	case StepPreserveDamaged:
		return "preserve-damaged"
	case StepCheckpoint:
		return "checkpoint"
	case StepReindex:
		return "reindex"
	case StepExportReadable:
		return "export-readable"
	case StepRecreateSchema:
		return "recreate-schema"
	case StepReimportData:
		return "reimport-data"
	case StepRestoreBackup:
		return "restore-backup"
	case StepVerify:
		return "verify"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Step is one planned unit of work.
type Step struct {
	Kind        StepKind `json:"-" yaml:"-"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
}

func step(k StepKind, desc string) Step {
	return Step{Kind: k, Name: k.String(), Description: desc}
}

// Option is one recovery strategy the planner is willing to offer,
// with its cost spelled out.
type Option struct {
	Strategy    Strategy `json:"-" yaml:"-"`
	Name        string   `json:"strategy" yaml:"strategy"`
	Risk        Risk     `json:"-" yaml:"-"`
	RiskLabel   string   `json:"risk" yaml:"risk"`
	Description string   `json:"description" yaml:"description"`
	Steps       []Step   `json:"steps" yaml:"steps"`
}

// Plan is the planner's output: the options for this report, ordered from
// least to most destructive, plus the recommended pick.
type Plan struct {
	Path        string             `json:"path" yaml:"path"`
	Severity    string             `json:"severity" yaml:"severity"`
	Options     []Option           `json:"options" yaml:"options"`
	Recommended Strategy           `json:"-" yaml:"-"`
	Backups     []BackupDescriptor `json:"backups,omitempty" yaml:"backups,omitempty"`
}

// Option returns the plan's option for a strategy, if offered.
func (p *Plan) Option(s Strategy) (Option, bool) {
	for _, o := range p.Options {
		if o.Strategy == s {
			return o, true
		}
	}
	return Option{}, false
}

func repairOption() Option {
	return Option{
		Strategy:    StrategyRepair,
		Risk:        RiskLow,
		Description: "repair the file in place; no table data is touched",
		Steps: []Step{
			step(StepCheckpoint, "merge the write-ahead log into the main file"),
			step(StepReindex, "rebuild all indexes from table data"),
			step(StepVerify, "re-run the corruption scan"),
		},
	}
}

func partialOption(rep integrity.Report) Option {
	desc := "salvage readable tables into a fresh database"
	if n := len(rep.CorruptedTables); n > 0 {
		desc = fmt.Sprintf("salvage readable tables into a fresh database; %d table(s) will be lost", n)
	}
	return Option{
		Strategy:    StrategyPartialRecovery,
		Risk:        RiskMedium,
		Description: desc,
		Steps: []Step{
			step(StepPreserveDamaged, "set the damaged file aside"),
			step(StepExportReadable, "export every readable table"),
			step(StepRecreateSchema, "create a fresh database from the schema catalog"),
			step(StepReimportData, "reinsert the exported rows"),
			step(StepVerify, "re-run the corruption scan"),
		},
	}
}

func restoreOption(backups []BackupDescriptor) Option {
	desc := "replace the database with the newest backup"
	if len(backups) > 0 {
		desc = fmt.Sprintf("replace the database with the backup from %s",
			backups[0].CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return Option{
		Strategy:    StrategyBackupRestore,
		Risk:        RiskHigh,
		Description: desc,
		Steps: []Step{
			step(StepPreserveDamaged, "set the damaged file aside"),
			step(StepRestoreBackup, "copy the newest backup into place"),
			step(StepVerify, "re-run the corruption scan"),
		},
	}
}

func rebuildOption() Option {
	return Option{
		Strategy:    StrategyRebuild,
		Risk:        RiskHigh,
		Description: "start over with an empty database; all data is lost",
		Steps: []Step{
			step(StepPreserveDamaged, "set the damaged file aside"),
			step(StepRecreateSchema, "create a fresh database from the schema catalog"),
			step(StepVerify, "re-run the corruption scan"),
		},
	}
}

// BuildPlan maps an integrity report and the available backups to the
// recovery options worth offering, ordered least to most destructive.
// Destructive options always begin by preserving the damaged file. A
// rebuild is always on the table for a damaged store, and whenever at
// least one backup exists the restore is the recommended pick: it is the
// only strategy with a known-good end state.
func BuildPlan(rep integrity.Report, backups []BackupDescriptor) *Plan {
	p := &Plan{Path: rep.Path, Severity: rep.Severity.String(), Backups: backups}

	if rep.Severity == integrity.SeverityNone {
		p.Options = append(p.Options, Option{
			Strategy:    StrategyNoAction,
			Name:        StrategyNoAction.String(),
			Risk:        RiskNone,
			RiskLabel:   RiskNone.String(),
			Description: "database is healthy; nothing to do",
		})
		p.Recommended = StrategyNoAction
		return p
	}

	switch rep.Severity {
	case integrity.SeverityMinor:
		p.Options = append(p.Options, repairOption())
		p.Recommended = StrategyRepair

	case integrity.SeverityModerate, integrity.SeveritySevere:
		if rep.RecoverableRecords > 0 {
			p.Options = append(p.Options, partialOption(rep))
			p.Recommended = StrategyPartialRecovery
		} else {
			p.Recommended = StrategyRebuild
		}

	case integrity.SeverityTotal:
		p.Recommended = StrategyRebuild
	}

	if len(backups) > 0 {
		p.Options = append(p.Options, restoreOption(backups))
		p.Recommended = StrategyBackupRestore
	}
	p.Options = append(p.Options, rebuildOption())

	for i := range p.Options {
		p.Options[i].Name = p.Options[i].Strategy.String()
		p.Options[i].RiskLabel = p.Options[i].Risk.String()
	}
	return p
}
