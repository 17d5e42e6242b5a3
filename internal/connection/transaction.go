package connection

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WithTx runs fn inside an IMMEDIATE transaction on a dedicated connection.
// Exactly one of COMMIT or ROLLBACK executes on every exit path, including
// panics, which are re-raised after the rollback. An error from fn rolls
// back and is returned unchanged.
//
// IMMEDIATE acquires the write lock up front, serializing writers instead of
// failing at first write. database/sql cannot express transaction modes, so
// BEGIN IMMEDIATE runs as raw SQL on a pinned connection.
func (h *Handle) WithTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()

	conn, err := h.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if isLockError(err) {
			h.reg.scheduleInvalidate(h.path)
		}
		return fmt.Errorf("begin immediate transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback with a background context so cleanup still happens when
		// the caller's context was canceled mid-transaction.
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
	}()

	if err := fn(conn); err != nil {
		if isLockError(err) {
			h.reg.scheduleInvalidate(h.path)
		}
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		if isLockError(err) {
			h.reg.scheduleInvalidate(h.path)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// ExecuteQuery is the fire-and-forget read helper: it returns the rows as
// generic maps, or nil on any failure. Callers that need the failure use
// WithTx or DB directly.
func (r *Registry) ExecuteQuery(ctx context.Context, path, query string, args ...interface{}) []map[string]interface{} {
	h, err := r.Acquire(ctx, path)
	if err != nil {
		r.log.Warnw("execute query: acquire failed", "path", path, "error", err)
		return nil
	}

	rows, err := h.DB().QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Warnw("execute query failed", "query", query, "error", err)
		if isLockError(err) {
			r.invalidate(h.Path())
		}
		return nil
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		r.log.Warnw("execute query: read columns failed", "error", err)
		return nil
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			r.log.Warnw("execute query: scan failed", "error", err)
			return nil
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		r.log.Warnw("execute query: iteration failed", "error", err)
		return nil
	}
	return out
}

// ExecuteUpdate is the fire-and-forget write helper: it reports success as a
// bool and never returns an error. The cause is logged.
func (r *Registry) ExecuteUpdate(ctx context.Context, path, stmt string, args ...interface{}) bool {
	h, err := r.Acquire(ctx, path)
	if err != nil {
		r.log.Warnw("execute update: acquire failed", "path", path, "error", err)
		return false
	}

	if _, err := h.DB().ExecContext(ctx, stmt, args...); err != nil {
		r.log.Warnw("execute update failed", "stmt", stmt, "error", err)
		if isLockError(err) {
			r.invalidate(h.Path())
		}
		return false
	}
	return true
}
