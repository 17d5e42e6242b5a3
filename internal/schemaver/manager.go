package schemaver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/recovery"
)

// VersionInfo describes the installed schema version of a database.
type VersionInfo struct {
	// Version is the installed version, 0 for a pre-versioning store.
	Version int `json:"version" yaml:"version"`
	// Found is false only for an empty database with no schema at all.
	// A store with tables but no version record reports Version 0 with
	// Found true and is treated as a legacy installation.
	Found         bool      `json:"found" yaml:"found"`
	CreatedAt     time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	LastMigration time.Time `json:"last_migration,omitempty" yaml:"last_migration,omitempty"`
	SchemaHash    string    `json:"schema_hash,omitempty" yaml:"schema_hash,omitempty"`
	Notes         string    `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Legacy reports whether this is a pre-versioning store that needs
// reconciliation before migrations can run.
func (v VersionInfo) Legacy() bool { return v.Found && v.Version == 0 }

// SchemaDiff is the outcome of comparing a live database to the catalog.
type SchemaDiff struct {
	Version           int      `json:"version" yaml:"version"`
	MissingObjects    []string `json:"missing_objects,omitempty" yaml:"missing_objects,omitempty"`
	UnexpectedObjects []string `json:"unexpected_objects,omitempty" yaml:"unexpected_objects,omitempty"`
	StoredHash        string   `json:"stored_hash,omitempty" yaml:"stored_hash,omitempty"`
	ComputedHash      string   `json:"computed_hash,omitempty" yaml:"computed_hash,omitempty"`
	HashMismatch      bool     `json:"hash_mismatch" yaml:"hash_mismatch"`
}

// Clean reports whether the live schema matches the catalog exactly.
func (d *SchemaDiff) Clean() bool {
	return len(d.MissingObjects) == 0 && len(d.UnexpectedObjects) == 0 && !d.HashMismatch
}

// ExecOptions controls one migration run.
type ExecOptions struct {
	// Backup forces a backup before the first script. Downgrades are
	// always backed up regardless.
	Backup bool
	// BackupDir overrides where the backup lands; empty keeps it next to
	// the database.
	BackupDir string
}

// Result reports how far a migration run got. ExecutedScripts < Total
// means the run stopped at a failing script; everything before it stays
// applied.
type Result struct {
	From            int    `json:"from" yaml:"from"`
	Target          int    `json:"target" yaml:"target"`
	FinalVersion    int    `json:"final_version" yaml:"final_version"`
	ExecutedScripts int    `json:"executed_scripts" yaml:"executed_scripts"`
	Total           int    `json:"total_scripts" yaml:"total_scripts"`
	BackupPath      string `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	LegacyUpgrade   bool   `json:"legacy_upgrade,omitempty" yaml:"legacy_upgrade,omitempty"`
}

// Manager walks databases between schema versions.
type Manager struct {
	reg *Registry
	log *zap.SugaredLogger
}

func NewManager(reg *Registry, log *zap.SugaredLogger) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Manager{reg: reg, log: log}
}

// Registry returns the manager's script registry.
func (m *Manager) Registry() *Registry { return m.reg }

// CurrentVersion reads the installed version of the database behind h.
func (m *Manager) CurrentVersion(ctx context.Context, h *connection.Handle) (VersionInfo, error) {
	db := h.DB()
	var info VersionInfo
	var created, migrated sql.NullString
	err := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT version, created_at, last_migration, schema_hash, notes FROM %s WHERE id = 1",
		catalog.MetadataTable,
	)).Scan(&info.Version, &created, &migrated, &info.SchemaHash, &info.Notes)
	switch {
	case err == nil:
		info.Found = true
		info.CreatedAt = parseStoredTime(created)
		info.LastMigration = parseStoredTime(migrated)
		return info, nil
	case err == sql.ErrNoRows, isMissingTable(err):
		// Fall through to the legacy probe.
	default:
		return VersionInfo{}, fmt.Errorf("read version record: %w", err)
	}

	var tables int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
	`).Scan(&tables)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("probe legacy schema: %w", err)
	}
	return VersionInfo{Version: 0, Found: tables > 0}, nil
}

// VerifyIntegrity compares the live schema objects and stored hash against
// the catalog. Only meaningful for databases at the current version;
// older versions report missing objects by construction.
func (m *Manager) VerifyIntegrity(ctx context.Context, h *connection.Handle) (*SchemaDiff, error) {
	info, err := m.CurrentVersion(ctx, h)
	if err != nil {
		return nil, err
	}
	diff := &SchemaDiff{Version: info.Version}

	live := map[string]bool{}
	rows, err := h.DB().QueryContext(ctx, `
		SELECT type || ':' || name FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'
	`)
	if err != nil {
		return nil, fmt.Errorf("read live schema: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var obj string
		if err := rows.Scan(&obj); err != nil {
			return nil, err
		}
		live[obj] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cat := catalog.Current()
	want := map[string]bool{}
	for _, t := range cat.TableNames() {
		want["table:"+t] = true
	}
	for _, i := range cat.Indexes {
		want["index:"+i.Name] = true
	}
	for _, t := range cat.Triggers {
		want["trigger:"+t.Name] = true
	}
	for _, v := range cat.Views {
		want["view:"+v.Name] = true
	}

	for obj := range want {
		if !live[obj] {
			diff.MissingObjects = append(diff.MissingObjects, obj)
		}
	}
	for obj := range live {
		if !want[obj] && !strings.HasPrefix(obj, "table:sqlite_stat") {
			diff.UnexpectedObjects = append(diff.UnexpectedObjects, obj)
		}
	}
	sort.Strings(diff.MissingObjects)
	sort.Strings(diff.UnexpectedObjects)

	if info.Version == catalog.CurrentVersion {
		diff.StoredHash = info.SchemaHash
		diff.ComputedHash = cat.Hash()
		diff.HashMismatch = diff.StoredHash != "" && diff.StoredHash != diff.ComputedHash
	}
	return diff, nil
}

// Execute migrates the database behind h to the target version. Each
// script runs in its own transaction and stamps the version record on
// commit; a failing script stops the run but leaves earlier scripts
// applied, so a partially migrated store reports an honest intermediate
// version.
func (m *Manager) Execute(ctx context.Context, h *connection.Handle, target int, opts ExecOptions) (*Result, error) {
	info, err := m.CurrentVersion(ctx, h)
	if err != nil {
		return nil, err
	}
	plan, err := m.reg.Plan(info.Version, target)
	if err != nil {
		return nil, err
	}
	res := &Result{From: info.Version, Target: target, FinalVersion: info.Version, Total: len(plan)}
	if len(plan) == 0 && !info.Legacy() {
		return res, nil
	}

	downgrade := target < info.Version
	if opts.Backup || downgrade || info.Legacy() {
		b, err := recovery.CreateBackup(ctx, h.Path(), opts.BackupDir)
		if err != nil {
			return nil, fmt.Errorf("backup before migration: %w", err)
		}
		res.BackupPath = b.Path
	}

	if info.Legacy() && target > 0 {
		if err := m.reconcileLegacy(ctx, h); err != nil {
			return res, fmt.Errorf("reconcile legacy schema: %w", err)
		}
		res.LegacyUpgrade = true
	}

	for _, script := range plan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if m.log != nil {
			m.log.Infow("applying migration",
				"from", script.From, "to", script.To, "description", script.Description)
		}
		err := h.WithTx(ctx, func(conn *sql.Conn) error {
			for _, stmt := range script.Statements {
				if _, err := conn.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d -> %d: %w", script.From, script.To, err)
				}
			}
			return writeVersion(ctx, conn, script.To, script.Description)
		})
		if err != nil {
			return res, err
		}
		res.ExecutedScripts++
		res.FinalVersion = script.To
	}
	return res, nil
}

// AutoUpgrade brings the database to the current catalog version if it is
// behind. Returns a nil Result when nothing needed doing. Downgrades are
// never automatic.
func (m *Manager) AutoUpgrade(ctx context.Context, h *connection.Handle) (*Result, error) {
	info, err := m.CurrentVersion(ctx, h)
	if err != nil {
		return nil, err
	}
	if info.Version >= catalog.CurrentVersion && !info.Legacy() {
		return nil, nil
	}
	return m.Execute(ctx, h, catalog.CurrentVersion, ExecOptions{Backup: info.Legacy()})
}

// writeVersion upserts the version record inside the migration's own
// transaction. The schema hash is only stored once the store reaches the
// version the catalog describes.
func writeVersion(ctx context.Context, conn *sql.Conn, version int, note string) error {
	hash := ""
	if version == catalog.CurrentVersion {
		hash = catalog.Current().Hash()
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err := conn.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, version, created_at, last_migration, schema_hash, notes)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			last_migration = excluded.last_migration,
			schema_hash = excluded.schema_hash,
			notes = excluded.notes
	`, catalog.MetadataTable), version, now, now, hash, note)
	if err != nil {
		return fmt.Errorf("stamp version %d: %w", version, err)
	}
	return nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func parseStoredTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05Z07:00"} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t
		}
	}
	return time.Time{}
}
