package schemaver

import (
	"context"
	"fmt"
	"strings"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
)

// v1ProjectColumns returns the projects columns as they existed at schema
// version 1, derived from the catalog so the two can never drift apart.
func v1ProjectColumns() []catalog.Column {
	tbl, _ := catalog.Current().Table("projects")
	later := map[string]bool{"is_active": true, "last_accessed": true, "request_count": true}
	var cols []catalog.Column
	for _, c := range tbl.Columns {
		if !later[c.Name] {
			cols = append(cols, c)
		}
	}
	return cols
}

// reconcileLegacy reshapes a pre-versioning projects table into the
// version 1 layout so the regular migration chain can take over. Columns
// the legacy store shares with version 1 carry their data over; columns it
// lacks are back-filled with the declared defaults. Extra legacy columns
// are dropped with the old table.
func (m *Manager) reconcileLegacy(ctx context.Context, h *connection.Handle) error {
	db := h.DB()

	existing := map[string]bool{}
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(projects)")
	if err != nil {
		return fmt.Errorf("inspect legacy projects table: %w", err)
	}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return err
		}
		existing[name] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(existing) == 0 {
		// No projects table at all; the first migration script creates it.
		return nil
	}

	want := v1ProjectColumns()
	match := len(existing) == len(want)
	if match {
		for _, c := range want {
			if !existing[c.Name] {
				match = false
				break
			}
		}
	}
	if match {
		return nil
	}
	if m.log != nil {
		m.log.Infow("reconciling legacy projects table",
			"legacy_columns", len(existing), "target_columns", len(want))
	}

	var defs, names, selects []string
	for _, c := range want {
		def := c.Name + " " + c.Type
		if c.Constraints != "" {
			def += " " + c.Constraints
		}
		if c.DefaultExpr != "" {
			def += " DEFAULT " + c.DefaultExpr
		}
		defs = append(defs, "    "+def)
		names = append(names, c.Name)
		switch {
		case existing[c.Name]:
			selects = append(selects, c.Name)
		case c.DefaultExpr != "":
			selects = append(selects, c.DefaultExpr)
		case c.Name == "name":
			// NOT NULL without a default; a legacy store without project
			// names gets a placeholder rather than losing the rows.
			selects = append(selects, "'recovered project'")
		default:
			selects = append(selects, "NULL")
		}
	}

	// Table rebuilds need foreign keys off, which cannot change inside a
	// transaction, so this manages its own connection and transaction.
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "PRAGMA foreign_keys = ON")
	}()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	stmts := []string{
		fmt.Sprintf("CREATE TABLE projects_migrating (\n%s\n)", strings.Join(defs, ",\n")),
		fmt.Sprintf("INSERT INTO projects_migrating (%s) SELECT %s FROM projects",
			strings.Join(names, ", "), strings.Join(selects, ", ")),
		"DROP TABLE projects",
		"ALTER TABLE projects_migrating RENAME TO projects",
		"CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name)",
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild projects table: %w", err)
		}
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	committed = true
	return nil
}
