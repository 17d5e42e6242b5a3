package validate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
)

// FixFailure records one repair statement that did not take.
type FixFailure struct {
	Issue Issue  `json:"issue" yaml:"issue"`
	Error string `json:"error" yaml:"error"`
}

// FixResult is the outcome of an auto-repair pass.
type FixResult struct {
	Applied []Issue      `json:"applied" yaml:"applied"`
	Skipped []Issue      `json:"skipped" yaml:"skipped"`
	Failed  []FixFailure `json:"failed" yaml:"failed"`
}

// AutoFix applies the repair statements of every fixable issue inside one
// write transaction. A statement that fails is recorded and the remaining
// fixes still run; the transaction commits whatever succeeded.
func (e *Engine) AutoFix(ctx context.Context, h *connection.Handle, issues []Issue) (*FixResult, error) {
	res := &FixResult{}
	err := h.WithTx(ctx, func(conn *sql.Conn) error {
		for _, is := range issues {
			if !is.AutoFixable || is.FixSQL == "" {
				res.Skipped = append(res.Skipped, is)
				continue
			}
			if _, err := conn.ExecContext(ctx, is.FixSQL); err != nil {
				res.Failed = append(res.Failed, FixFailure{Issue: is, Error: err.Error()})
				if e.log != nil {
					e.log.Warnw("auto-fix statement failed",
						"table", is.Table, "kind", is.Kind, "error", err)
				}
				continue
			}
			res.Applied = append(res.Applied, is)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auto-fix transaction: %w", err)
	}
	if e.log != nil {
		e.log.Infow("auto-fix finished",
			"applied", len(res.Applied), "failed", len(res.Failed), "skipped", len(res.Skipped))
	}
	return res, nil
}

// StepResult records one maintenance step.
type StepResult struct {
	Name         string        `json:"name" yaml:"name"`
	Succeeded    bool          `json:"succeeded" yaml:"succeeded"`
	RowsAffected int64         `json:"rows_affected,omitempty" yaml:"rows_affected,omitempty"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Optimize runs the maintenance steps: expire old request history, refresh
// planner statistics, rebuild indexes, and compact the file. Steps are
// independent; a failing step is recorded and the rest still run.
func (e *Engine) Optimize(ctx context.Context, h *connection.Handle) []StepResult {
	steps := []struct {
		name string
		run  func(ctx context.Context, h *connection.Handle) (int64, error)
	}{
		{"expire_history", e.expireHistory},
		{"analyze", execStep("ANALYZE")},
		{"reindex", execStep("REINDEX")},
		{"vacuum", execStep("VACUUM")},
	}

	var results []StepResult
	for _, s := range steps {
		start := time.Now()
		sr := StepResult{Name: s.name}
		if err := ctx.Err(); err != nil {
			sr.Error = err.Error()
			results = append(results, sr)
			continue
		}
		n, err := s.run(ctx, h)
		sr.Elapsed = time.Since(start)
		sr.RowsAffected = n
		if err != nil {
			sr.Error = err.Error()
			if e.log != nil {
				e.log.Warnw("optimize step failed", "step", s.name, "error", err)
			}
		} else {
			sr.Succeeded = true
		}
		results = append(results, sr)
	}
	return results
}

func execStep(stmt string) func(ctx context.Context, h *connection.Handle) (int64, error) {
	return func(ctx context.Context, h *connection.Handle) (int64, error) {
		_, err := h.DB().ExecContext(ctx, stmt)
		return 0, err
	}
}

// expireHistory enforces the retention policy: drop rows past the age
// limit, then trim the oldest rows over the size cap.
func (e *Engine) expireHistory(ctx context.Context, h *connection.Handle) (int64, error) {
	var removed int64
	err := h.WithTx(ctx, func(conn *sql.Conn) error {
		cutoff := time.Now().Add(-e.cfg.HistoryMaxAge).UTC().Format("2006-01-02 15:04:05")
		res, err := conn.ExecContext(ctx,
			"DELETE FROM request_history WHERE created_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = conn.ExecContext(ctx, `
			DELETE FROM request_history WHERE id IN (
				SELECT id FROM request_history
				ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
			)
		`, e.cfg.HistoryMaxRows)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	return removed, err
}
