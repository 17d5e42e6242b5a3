package lockcheck

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"
)

// RecoveryAction records one step taken while clearing a stale lock.
type RecoveryAction struct {
	Description string `json:"description" yaml:"description"`
	Succeeded   bool   `json:"succeeded" yaml:"succeeded"`
	Detail      string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// AttemptRecovery tries the non-destructive unlock path: checkpoint the
// write-ahead log and remove leftover temporary files. It returns the
// actions taken and whether the database is openable afterwards.
func (i *Inspector) AttemptRecovery(ctx context.Context, path string) ([]RecoveryAction, bool) {
	var actions []RecoveryAction

	act := RecoveryAction{Description: "checkpoint write-ahead log"}
	if err := checkpoint(ctx, path); err != nil {
		act.Detail = err.Error()
	} else {
		act.Succeeded = true
	}
	actions = append(actions, act)

	for _, tmp := range []string{path + ".lock", path + "-journal"} {
		if _, err := os.Stat(tmp); err != nil {
			continue
		}
		act := RecoveryAction{Description: "remove stale " + tmp}
		if err := os.Remove(tmp); err != nil {
			act.Detail = err.Error()
		} else {
			act.Succeeded = true
		}
		actions = append(actions, act)
	}

	ok := canOpen(path)
	if i.log != nil {
		i.log.Infow("lock recovery attempted", "path", path, "openable", ok)
	}
	return actions, ok
}

// ForceUnlock discards the write-ahead log and shared-memory sidecars after
// backing up the main file. This can lose uncommitted changes; the caller
// must hold the connection registry's exclusive section for path so no
// concurrent acquire races the removal.
func (i *Inspector) ForceUnlock(path string) (backupPath string, actions []RecoveryAction, err error) {
	backupPath = fmt.Sprintf("%s.backup.%d", path, time.Now().Unix())
	if err := copyFile(path, backupPath); err != nil {
		return "", nil, fmt.Errorf("backup before force-unlock: %w", err)
	}
	actions = append(actions, RecoveryAction{
		Description: "back up database to " + backupPath,
		Succeeded:   true,
	})

	for _, sp := range []string{path + "-wal", path + "-shm", path + "-journal", path + ".lock"} {
		if _, err := os.Stat(sp); err != nil {
			continue
		}
		act := RecoveryAction{Description: "remove " + sp}
		if err := os.Remove(sp); err != nil {
			act.Detail = err.Error()
		} else {
			act.Succeeded = true
		}
		actions = append(actions, act)
	}

	if i.log != nil {
		i.log.Warnw("force unlock performed", "path", path, "backup", backupPath)
	}
	return backupPath, actions, nil
}

func checkpoint(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(2000)")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - caller-supplied database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
