package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Tags distinguish why a copy of a database file exists.
const (
	// TagBackup marks a deliberate backup of a healthy database.
	TagBackup = "backup"
	// TagCorrupted marks a damaged file set aside before recovery.
	TagCorrupted = "corrupted"
	// TagFailed marks the remnants of a recovery that did not verify.
	TagFailed = "failed"
	// TagOld marks a file displaced by a restore.
	TagOld = "old"
)

// BackupDescriptor identifies one backup file on disk.
type BackupDescriptor struct {
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// sidecarName builds the copy naming scheme: <base>.<tag>.<unix-ts>.
func sidecarName(dir, base, tag string, ts time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.%d", base, tag, ts.Unix()))
}

var backupNameRe = regexp.MustCompile(`^(.+)\.` + TagBackup + `\.(\d+)$`)

// ScanBackups lists the backups of the database at path found in dir
// (the database's own directory when dir is empty), newest first.
func ScanBackups(path, dir string) ([]BackupDescriptor, error) {
	if dir == "" {
		dir = filepath.Dir(path)
	}
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backup dir: %w", err)
	}

	var backups []BackupDescriptor
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := backupNameRe.FindStringSubmatch(ent.Name())
		if m == nil || m[1] != base {
			continue
		}
		ts, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupDescriptor{
			Path:      filepath.Join(dir, ent.Name()),
			Size:      info.Size(),
			CreatedAt: time.Unix(ts, 0),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// CreateBackup writes a consistent snapshot of the database at path into
// dir using the engine's online copy. When the database cannot be opened
// (the caller may be backing up a corrupted file) it falls back to a raw
// file copy.
func CreateBackup(ctx context.Context, path, dir string) (BackupDescriptor, error) {
	if dir == "" {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return BackupDescriptor{}, fmt.Errorf("create backup dir: %w", err)
	}
	now := time.Now()
	dst := sidecarName(dir, filepath.Base(path), TagBackup, now)

	if err := vacuumInto(ctx, path, dst); err != nil {
		_ = os.Remove(dst)
		if cerr := copyFile(path, dst); cerr != nil {
			return BackupDescriptor{}, fmt.Errorf("backup %s: %w", path, cerr)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return BackupDescriptor{}, fmt.Errorf("stat backup: %w", err)
	}
	return BackupDescriptor{Path: dst, Size: info.Size(), CreatedAt: now}, nil
}

// vacuumInto snapshots the live database into dst. The copy is transacted
// by the engine, so it is consistent even under concurrent writers.
func vacuumInto(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite3", "file:"+src+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "VACUUM INTO ?", dst)
	return err
}

// PruneBackups removes the oldest backups of path in dir beyond keep.
// keep <= 0 disables pruning.
func PruneBackups(path, dir string, keep int) (removed []string, err error) {
	if keep <= 0 {
		return nil, nil
	}
	backups, err := ScanBackups(path, dir)
	if err != nil {
		return nil, err
	}
	for _, b := range backups[min(keep, len(backups)):] {
		if err := os.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("prune %s: %w", b.Path, err)
		}
		removed = append(removed, b.Path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - caller-supplied database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
