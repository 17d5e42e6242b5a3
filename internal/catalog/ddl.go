package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CreateTableSQL renders the CREATE TABLE statement for one table.
func (t *Table) CreateTableSQL() string {
	var parts []string
	for _, c := range t.Columns {
		def := c.Name + " " + c.Type
		if c.Constraints != "" {
			def += " " + c.Constraints
		}
		if c.DefaultExpr != "" {
			def += " DEFAULT " + c.DefaultExpr
		}
		parts = append(parts, "    "+def)
	}
	for _, tc := range t.Constraints {
		parts = append(parts, "    "+tc)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", t.Name, strings.Join(parts, ",\n"))
}

// CreateIndexSQL renders the CREATE INDEX statement for one index.
func (i *Index) CreateIndexSQL() string {
	unique := ""
	if i.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)",
		unique, i.Name, i.Table, strings.Join(i.Columns, ", "))
}

// DDL returns the ordered statements that materialize the catalog: tables,
// then indexes, triggers, and views. Seed rows are not included.
func (c *Catalog) DDL() []string {
	var stmts []string
	for i := range c.Tables {
		stmts = append(stmts, c.Tables[i].CreateTableSQL())
	}
	for i := range c.Indexes {
		stmts = append(stmts, c.Indexes[i].CreateIndexSQL())
	}
	for _, tr := range c.Triggers {
		stmts = append(stmts, tr.Body)
	}
	for _, v := range c.Views {
		stmts = append(stmts, v.Body)
	}
	return stmts
}

// Hash computes the schema content hash: SHA-256 over the canonical DDL
// rendering plus seed statements. Any change to the declared schema changes
// the hash, which is how drift between catalog and live store is detected.
func (c *Catalog) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "version:%d\n", c.Version)
	for _, stmt := range c.DDL() {
		h.Write([]byte(stmt))
		h.Write([]byte{'\n'})
	}
	for _, s := range c.Seed {
		h.Write([]byte(s))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Apply materializes the catalog into db: DDL, seed rows, and the version
// metadata record. Idempotent; safe to run against a store that already has
// some or all of the objects.
func (c *Catalog) Apply(ctx context.Context, db *sql.DB) error {
	for _, stmt := range c.DDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	for _, stmt := range c.Seed {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply seed data: %w", err)
		}
	}
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, version, created_at, last_migration, schema_hash, notes)
		VALUES (1, ?, ?, ?, ?, 'initialized from catalog')
		ON CONFLICT (id) DO NOTHING
	`, MetadataTable), c.Version, now, now, c.Hash())
	if err != nil {
		return fmt.Errorf("write version metadata: %w", err)
	}
	return nil
}

// DropAllSQL returns statements that remove every declared object, in
// dependency-safe order (views, triggers, indexes, then tables). Used by the
// recovery executor when rebuilding the schema in place.
func (c *Catalog) DropAllSQL() []string {
	var stmts []string
	for _, v := range c.Views {
		stmts = append(stmts, "DROP VIEW IF EXISTS "+v.Name)
	}
	for _, tr := range c.Triggers {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+tr.Name)
	}
	for _, i := range c.Indexes {
		stmts = append(stmts, "DROP INDEX IF EXISTS "+i.Name)
	}
	for i := len(c.Tables) - 1; i >= 0; i-- {
		stmts = append(stmts, "DROP TABLE IF EXISTS "+c.Tables[i].Name)
	}
	return stmts
}
