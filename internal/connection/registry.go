// Package connection supervises the single live SQLite session per database
// file: connect with retry and backoff, durability pragmas, scoped
// transactions, and a background reaper that closes idle handles.
package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sethvargo/go-retry"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Config holds the connection lifecycle tunables.
type Config struct {
	// MaxAttempts bounds connection attempts per Acquire (default 3).
	MaxAttempts int
	// BaseDelay is the backoff base; attempt n waits about BaseDelay * 2^n.
	BaseDelay time.Duration
	// BusyTimeout is handed to SQLite as the busy-wait budget.
	BusyTimeout time.Duration
	// IdleTimeout is how long a handle may sit unused before the reaper
	// closes it.
	IdleTimeout time.Duration
	// ReaperInterval is how often the reaper wakes.
	ReaperInterval time.Duration
}

// DefaultConfig returns the defaults used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		BusyTimeout:    30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		ReaperInterval: time.Minute,
	}
}

// setupWASMCache configures wazero compilation caching so the embedded SQLite
// build is compiled once per machine instead of on every process start.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "apitool", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Registry owns at most one live Handle per canonical database path. All
// acquisition, teardown, and destructive sidecar work serializes on its
// mutex, which is what guarantees the one-handle-per-path invariant.
type Registry struct {
	cfg Config
	log *zap.SugaredLogger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	// opener and preflight are injectable for tests.
	opener    func(connStr string) (*sql.DB, error)
	preflight func(path string) error

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry and starts its idle reaper and file watcher.
// Call Shutdown when done; the background tasks are tied to the registry's
// lifetime, not the process's.
func NewRegistry(cfg Config, log *zap.SugaredLogger) *Registry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		cfg:     cfg,
		log:     log,
		handles: make(map[string]*Handle),
		done:    make(chan struct{}),
	}
	r.opener = func(connStr string) (*sql.DB, error) {
		return sql.Open("sqlite3", connStr)
	}
	r.preflight = defaultPreflight

	if w, err := fsnotify.NewWatcher(); err == nil {
		r.watcher = w
		r.wg.Add(1)
		go r.watchLoop()
	} else if log != nil {
		log.Warnw("file watcher unavailable, external deletions will not be detected", "error", err)
	}

	r.wg.Add(1)
	go r.reapLoop()
	return r
}

// CanonicalPath resolves path to its absolute, symlink-free form, which is
// the identity key for handles. A path whose file does not exist yet
// resolves through its parent directory.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// Acquire returns the live handle for path, creating it if needed. A fresh
// handle is probed before reuse; a broken one is torn down and reconnected.
// Repeated calls for the same path return the same handle.
func (r *Registry) Acquire(ctx context.Context, path string) (*Handle, error) {
	key := CanonicalPath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if h, ok := r.handles[key]; ok {
		if err := h.probe(ctx); err == nil {
			h.touch()
			return h, nil
		}
		r.log.Warnw("liveness probe failed, reconnecting", "path", key)
		_ = h.close()
		delete(r.handles, key)
	}

	db, err := r.connectWithRetry(ctx, key)
	if err != nil {
		return nil, err
	}

	h := &Handle{path: key, reg: r, db: db, lastActivity: time.Now()}
	r.handles[key] = h
	if r.watcher != nil {
		_ = r.watcher.Add(filepath.Dir(key))
	}
	r.log.Infow("database connected", "path", key)
	return h, nil
}

// connectWithRetry performs bounded, exponentially backed-off connection
// attempts. Lock contention is retryable; a bad path or permission problem
// is not.
func (r *Registry) connectWithRetry(ctx context.Context, path string) (*sql.DB, error) {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(r.cfg.MaxAttempts-1), retry.NewExponential(r.cfg.BaseDelay))

	var db *sql.DB
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		d, err := r.connect(ctx, path)
		if err != nil {
			r.log.Debugw("connection attempt failed", "path", path, "attempt", attempts, "error", err)
			if isRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		db = d
		return nil
	})
	if err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, err)
		}
		return nil, err
	}
	return db, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPermission)
}

// connect performs a single attempt: ensure the directory exists, run the
// pre-flight lock check, open, verify, and apply durability pragmas.
func (r *Registry) connect(ctx context.Context, path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if err := r.preflight(path); err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite",
		path, r.cfg.BusyTimeout.Milliseconds())
	db, err := r.opener(connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Bounded page cache, generous memory map, relaxed-but-safe fsync.
	for _, pragma := range []string{
		"PRAGMA cache_size = -8000",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}
	return db, nil
}

// defaultPreflight checks whether another writer holds the file exclusively
// before we commit to an open attempt. Missing files pass; they will be
// created on open.
func defaultPreflight(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_pragma=busy_timeout(250)")
	if err != nil {
		return nil
	}
	defer func() { _ = db.Close() }()
	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil && isLockError(err) {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return nil
}

// invalidate force-closes the handle for path so the next Acquire
// reconnects. Called when a lock-class error poisons the session.
func (r *Registry) invalidate(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[path]; ok {
		_ = h.close()
		delete(r.handles, path)
		r.log.Warnw("handle invalidated", "path", path)
	}
}

// scheduleInvalidate defers teardown to a goroutine. WithTx calls this while
// holding the handle mutex; taking the registry mutex inline would invert the
// registry->handle lock order.
func (r *Registry) scheduleInvalidate(path string) {
	go r.invalidate(path)
}

// Release closes and forgets the handle for path, if any.
func (r *Registry) Release(path string) error {
	key := CanonicalPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	if !ok {
		return nil
	}
	delete(r.handles, key)
	return h.close()
}

// WithExclusive runs fn with the registry lock held and the handle for path
// closed. Destructive sidecar manipulation (force-unlock) goes through here
// so it cannot race a concurrent Acquire.
func (r *Registry) WithExclusive(path string, fn func() error) error {
	key := CanonicalPath(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[key]; ok {
		_ = h.close()
		delete(r.handles, key)
	}
	return fn()
}

// Shutdown stops the reaper and watcher and closes every handle.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	for key, h := range r.handles {
		_ = h.close()
		delete(r.handles, key)
	}
	r.mu.Unlock()

	if r.watcher != nil {
		_ = r.watcher.Close()
	}
	r.wg.Wait()
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, h := range r.handles {
		if idle := h.idleFor(); idle > r.cfg.IdleTimeout {
			r.log.Infow("closing idle handle", "path", key, "idle", idle)
			_ = h.close()
			delete(r.handles, key)
		}
	}
}

// watchLoop tears down handles whose backing file was removed or replaced by
// an external process, so the next Acquire starts clean.
func (r *Registry) watchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.mu.Lock()
			if h, exists := r.handles[ev.Name]; exists {
				r.log.Warnw("database file removed externally", "path", ev.Name)
				_ = h.close()
				delete(r.handles, ev.Name)
			}
			r.mu.Unlock()
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
