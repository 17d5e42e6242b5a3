package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	r := NewRegistry(cfg, nil)
	t.Cleanup(r.Shutdown)
	return r
}

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func TestAcquireIdempotent(t *testing.T) {
	r := testRegistry(t)
	path := testDBPath(t)
	ctx := context.Background()

	h1, err := r.Acquire(ctx, path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	h2, err := r.Acquire(ctx, path)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h1 != h2 {
		t.Error("expected the same handle for repeated acquires of one path")
	}
}

func TestAcquireDistinctPaths(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	h1, err := r.Acquire(ctx, testDBPath(t))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := r.Acquire(ctx, testDBPath(t))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h1 == h2 {
		t.Error("distinct paths must get distinct handles")
	}
}

func TestAcquireRetriesUntilExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BaseDelay = time.Millisecond
	r := NewRegistry(cfg, nil)
	t.Cleanup(r.Shutdown)

	attempts := 0
	r.opener = func(connStr string) (*sql.DB, error) {
		attempts++
		return nil, fmt.Errorf("database is locked")
	}

	_, err := r.Acquire(context.Background(), testDBPath(t))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("want 3 attempts, got %d", attempts)
	}
}

func TestAcquireDoesNotRetryPermissionErrors(t *testing.T) {
	r := testRegistry(t)
	attempts := 0
	r.preflight = func(path string) error {
		attempts++
		return fmt.Errorf("%w: test", ErrPermission)
	}

	_, err := r.Acquire(context.Background(), testDBPath(t))
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("want ErrPermission, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("permission errors must not retry, got %d attempts", attempts)
	}
}

func TestAcquireAfterShutdown(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.Shutdown()
	if _, err := r.Acquire(context.Background(), "whatever.db"); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestWithTxCommit(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	h, err := r.Acquire(ctx, testDBPath(t))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err = h.WithTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "CREATE TABLE t (n INTEGER)"); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, "INSERT INTO t (n) VALUES (1), (2)")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var n int
	if err := h.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("want 2 rows after commit, got %d", n)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	h, err := r.Acquire(ctx, testDBPath(t))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := h.DB().Exec("CREATE TABLE t (n INTEGER)"); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err = h.WithTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "INSERT INTO t (n) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want the callback error back, got %v", err)
	}

	var n int
	if err := h.DB().QueryRow("SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("want 0 rows after rollback, got %d", n)
	}
}

func TestReleaseForgetsHandle(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	path := testDBPath(t)

	h1, err := r.Acquire(ctx, path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := r.Release(path); err != nil {
		t.Fatalf("release: %v", err)
	}
	h2, err := r.Acquire(ctx, path)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if h1 == h2 {
		t.Error("expected a fresh handle after release")
	}
}

func TestWithExclusiveClosesHandle(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	path := testDBPath(t)

	if _, err := r.Acquire(ctx, path); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ran := false
	err := r.WithExclusive(path, func() error {
		ran = true
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.handles[CanonicalPath(path)]; ok {
			t.Error("handle must be closed inside the exclusive section")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("WithExclusive: ran=%v err=%v", ran, err)
	}
}

func TestCanonicalPathAbsolute(t *testing.T) {
	got := CanonicalPath("some/relative.db")
	if !filepath.IsAbs(got) {
		t.Errorf("want an absolute path, got %q", got)
	}
}

func TestExecuteQueryAndUpdate(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	path := testDBPath(t)

	if !r.ExecuteUpdate(ctx, path, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)") {
		t.Fatal("create table failed")
	}
	if !r.ExecuteUpdate(ctx, path, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1") {
		t.Fatal("insert failed")
	}

	rows := r.ExecuteQuery(ctx, path, "SELECT k, v FROM kv")
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if rows[0]["k"] != "a" {
		t.Errorf("want k=a, got %v", rows[0]["k"])
	}

	if r.ExecuteUpdate(ctx, path, "INSERT INTO no_such_table VALUES (1)") {
		t.Error("update against a missing table must report failure")
	}
	if got := r.ExecuteQuery(ctx, path, "SELECT * FROM no_such_table"); got != nil {
		t.Errorf("query against a missing table must return nil, got %v", got)
	}
}
