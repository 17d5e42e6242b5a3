package connection

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// Handle owns the single live connection for one canonical database path.
// Handles are created and retired by the Registry; callers borrow one for the
// duration of an operation and never retain it across calls.
type Handle struct {
	path string
	reg  *Registry

	mu           sync.Mutex // serializes transactions and activity updates
	db           *sql.DB
	lastActivity time.Time
	closed       bool
}

// Path returns the canonical database path this handle is bound to.
func (h *Handle) Path() string { return h.path }

// DB exposes the underlying pool for read queries. Callers must not close it;
// the registry owns the lifecycle.
func (h *Handle) DB() *sql.DB {
	h.touch()
	return h.db
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *Handle) idleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity)
}

// probe runs the liveness check. A failure means the session is broken and
// the handle must be torn down.
func (h *Handle) probe(ctx context.Context) error {
	var one int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Checkpoint flushes the WAL into the main database file. Safe to call at
// any time; needed before the file is copied for backup.
func (h *Handle) Checkpoint(ctx context.Context) error {
	h.touch()
	_, err := h.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}
