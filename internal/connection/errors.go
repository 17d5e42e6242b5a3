package connection

import (
	"errors"
	"strings"
)

// Connection error taxonomy. Acquire wraps the underlying cause with one of
// these sentinels so callers can branch without string matching.
var (
	// ErrNotFound means the database file's parent directory could not be
	// created or the path is otherwise unusable.
	ErrNotFound = errors.New("database path not found")

	// ErrPermission means the file or its directory denied access.
	ErrPermission = errors.New("database permission denied")

	// ErrLocked means another writer holds the database exclusively. The
	// pre-flight lock check fails fast with this before opening.
	ErrLocked = errors.New("database is locked")

	// ErrExhausted means every connection attempt failed.
	ErrExhausted = errors.New("connection attempts exhausted")

	// ErrClosed means the registry has been shut down.
	ErrClosed = errors.New("connection registry is closed")
)

// isLockError reports whether err looks like SQLite lock contention. Such
// errors poison the session: the handle is torn down so the next acquire
// reconnects instead of reusing a broken connection.
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "disk i/o error")
}
