package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/catalog"
	"github.com/taurus2146/swagger-api-tool-sub000/internal/connection"
)

// checkStructure compares the live schema objects against the catalog.
// Missing indexes, triggers, and views are fixable by recreating them; a
// missing column is fixable only when adding it cannot violate existing
// rows. A missing table is never auto-fixed: recreating it empty would
// paper over data loss, so it is left to recovery or a fresh init.
func (e *Engine) checkStructure(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	db := h.DB()
	var issues []Issue

	have := map[string]map[string]bool{} // type -> name -> present
	rows, err := db.QueryContext(ctx,
		"SELECT type, name FROM sqlite_master WHERE type IN ('table', 'index', 'trigger', 'view')")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ, name string
		if err := rows.Scan(&typ, &name); err != nil {
			return nil, err
		}
		if have[typ] == nil {
			have[typ] = map[string]bool{}
		}
		have[typ][name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cat := catalog.Current()
	for i := range cat.Tables {
		tbl := &cat.Tables[i]
		if !have["table"][tbl.Name] {
			issues = append(issues, Issue{
				Kind:        KindStructure,
				Severity:    SeverityHigh,
				Table:       tbl.Name,
				Description: fmt.Sprintf("table %s is missing", tbl.Name),
				Detail:      "run 'apidb recover' to salvage data, or 'apidb init' on a fresh store",
			})
			continue
		}
		issues = append(issues, e.missingColumns(ctx, h, tbl)...)
	}
	for i := range cat.Indexes {
		idx := &cat.Indexes[i]
		// An index on a missing table is subsumed by the table issue.
		if !have["index"][idx.Name] && have["table"][idx.Table] {
			issues = append(issues, Issue{
				Kind:        KindStructure,
				Severity:    SeverityLow,
				Table:       idx.Table,
				Description: fmt.Sprintf("index %s is missing", idx.Name),
				AutoFixable: true,
				FixSQL:      idx.CreateIndexSQL(),
			})
		}
	}
	for _, tr := range cat.Triggers {
		if !have["trigger"][tr.Name] {
			issues = append(issues, Issue{
				Kind:        KindStructure,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("trigger %s is missing", tr.Name),
				AutoFixable: true,
				FixSQL:      tr.Body,
			})
		}
	}
	for _, v := range cat.Views {
		if !have["view"][v.Name] {
			issues = append(issues, Issue{
				Kind:        KindStructure,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("view %s is missing", v.Name),
				AutoFixable: true,
				FixSQL:      v.Body,
			})
		}
	}
	return issues, nil
}

func (e *Engine) missingColumns(ctx context.Context, h *connection.Handle, tbl *catalog.Table) []Issue {
	db := h.DB()
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+tbl.Name+")")
	if err != nil {
		return []Issue{{
			Kind:        KindStructure,
			Severity:    SeverityHigh,
			Table:       tbl.Name,
			Description: fmt.Sprintf("cannot read columns of %s", tbl.Name),
			Detail:      err.Error(),
		}}
	}
	defer func() { _ = rows.Close() }()
	have := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		have[name] = true
	}

	var issues []Issue
	for _, col := range tbl.Columns {
		if have[col.Name] {
			continue
		}
		is := Issue{
			Kind:        KindStructure,
			Severity:    SeverityMedium,
			Table:       tbl.Name,
			Column:      col.Name,
			Description: fmt.Sprintf("column %s.%s is missing", tbl.Name, col.Name),
		}
		// ALTER TABLE ADD COLUMN cannot install a primary key or unique
		// constraint, so those stay manual.
		if col.Constraints == "" || col.DefaultExpr != "" {
			def := col.Name + " " + col.Type
			if col.Constraints != "" {
				def += " " + col.Constraints
			}
			if col.DefaultExpr != "" {
				def += " DEFAULT " + col.DefaultExpr
			}
			is.AutoFixable = true
			is.FixSQL = fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", tbl.Name, def)
		}
		issues = append(issues, is)
	}
	return issues
}

// checkQuick runs the engine's abbreviated corruption scan.
func (e *Engine) checkQuick(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	return e.pragmaScan(ctx, h, "PRAGMA quick_check")
}

// checkFullIntegrity runs the exhaustive scan. Thorough level only.
func (e *Engine) checkFullIntegrity(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	return e.pragmaScan(ctx, h, "PRAGMA integrity_check")
}

func (e *Engine) pragmaScan(ctx context.Context, h *connection.Handle, pragma string) ([]Issue, error) {
	rows, err := h.DB().QueryContext(ctx, pragma)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var issues []Issue
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		if line == "ok" {
			continue
		}
		issues = append(issues, Issue{
			Kind:        KindCorruption,
			Severity:    SeverityCritical,
			Description: "corruption detected",
			Detail:      line,
		})
	}
	return issues, rows.Err()
}

// checkForeignKeys surfaces dangling references. The fix removes the
// violating row, which is safe because every declared relation cascades
// from projects.
func (e *Engine) checkForeignKeys(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	rows, err := h.DB().QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var issues []Issue
	for rows.Next() {
		var table, parent string
		var rowid, fkid interface{}
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, err
		}
		is := Issue{
			Kind:        KindForeignKey,
			Severity:    SeverityHigh,
			Table:       table,
			Description: fmt.Sprintf("row in %s references a missing %s row", table, parent),
		}
		if rowid != nil {
			is.AutoFixable = true
			is.FixSQL = fmt.Sprintf("DELETE FROM %s WHERE rowid = %v", table, rowid)
		}
		issues = append(issues, is)
	}
	return issues, rows.Err()
}

// checkRequestCounts verifies the denormalized per-project request counter
// against the history table.
func (e *Engine) checkRequestCounts(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	rows, err := h.DB().QueryContext(ctx, `
		SELECT p.id, p.request_count, COUNT(rh.id)
		FROM projects p
		LEFT JOIN request_history rh ON rh.project_id = p.id
		GROUP BY p.id
		HAVING p.request_count != COUNT(rh.id)
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var issues []Issue
	for rows.Next() {
		var id, stored, actual int64
		if err := rows.Scan(&id, &stored, &actual); err != nil {
			return nil, err
		}
		issues = append(issues, Issue{
			Kind:        KindConsistency,
			Severity:    SeverityMedium,
			Table:       "projects",
			Column:      "request_count",
			Description: fmt.Sprintf("project %d records %d requests but history has %d", id, stored, actual),
			AutoFixable: true,
			FixSQL: fmt.Sprintf(
				"UPDATE projects SET request_count = (SELECT COUNT(*) FROM request_history WHERE project_id = %d) WHERE id = %d",
				id, id),
		})
	}
	return issues, rows.Err()
}

// checkOrphans finds child rows whose project no longer exists. These slip
// past foreign_key_check when keys were disabled during a past write.
func (e *Engine) checkOrphans(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	var issues []Issue
	for _, child := range []string{"auth_configs", "environments", "request_history"} {
		var n int64
		q := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s c WHERE NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = c.project_id)",
			child)
		if err := h.DB().QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		issues = append(issues, Issue{
			Kind:        KindOrphan,
			Severity:    SeverityMedium,
			Table:       child,
			Description: fmt.Sprintf("%d orphaned row(s) in %s", n, child),
			AutoFixable: true,
			FixSQL: fmt.Sprintf(
				"DELETE FROM %s WHERE NOT EXISTS (SELECT 1 FROM projects p WHERE p.id = %s.project_id)",
				child, child),
		})
	}
	return issues, nil
}

// checkConstraints enforces the domain rules the schema cannot express.
func (e *Engine) checkConstraints(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	db := h.DB()
	var issues []Issue

	var blank int64
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM projects WHERE TRIM(name) = ''").Scan(&blank); err != nil {
		return nil, err
	}
	if blank > 0 {
		issues = append(issues, Issue{
			Kind:        KindConstraint,
			Severity:    SeverityMedium,
			Table:       "projects",
			Column:      "name",
			Description: fmt.Sprintf("%d project(s) with blank name", blank),
		})
	}

	rows, err := db.QueryContext(ctx, `
		SELECT project_id, name, COUNT(*) FROM environments
		GROUP BY project_id, name HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var pid, n int64
		var name string
		if err := rows.Scan(&pid, &name, &n); err != nil {
			return nil, err
		}
		quoted := "'" + strings.ReplaceAll(name, "'", "''") + "'"
		issues = append(issues, Issue{
			Kind:        KindConstraint,
			Severity:    SeverityMedium,
			Table:       "environments",
			Description: fmt.Sprintf("environment %q duplicated %d times in project %d", name, n, pid),
			AutoFixable: true,
			FixSQL: fmt.Sprintf(
				"DELETE FROM environments WHERE project_id = %d AND name = %s AND id NOT IN (SELECT MIN(id) FROM environments WHERE project_id = %d AND name = %s)",
				pid, quoted, pid, quoted),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var cfgRows int64
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM global_config").Scan(&cfgRows); err != nil {
		return nil, err
	}
	if cfgRows == 0 {
		issues = append(issues, Issue{
			Kind:        KindConstraint,
			Severity:    SeverityLow,
			Table:       "global_config",
			Description: "global configuration is empty; defaults are missing",
			Detail:      "run 'apidb init' to restore the default settings",
		})
	}
	return issues, nil
}

// checkStatistics looks at planner statistics and free-page bloat.
func (e *Engine) checkStatistics(ctx context.Context, h *connection.Handle) ([]Issue, error) {
	db := h.DB()
	var issues []Issue

	var hasStat int64
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_stat1'").Scan(&hasStat); err != nil {
		return nil, err
	}
	if hasStat == 0 {
		issues = append(issues, Issue{
			Kind:        KindStatistics,
			Severity:    SeverityInfo,
			Description: "planner statistics have never been collected",
			AutoFixable: true,
			FixSQL:      "ANALYZE",
		})
	}

	var freelist, total int64
	if err := db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelist); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&total); err != nil {
		return nil, err
	}
	if total > 0 && freelist*4 > total {
		issues = append(issues, Issue{
			Kind:        KindStatistics,
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("%d of %d pages are on the free list; the file can be compacted", freelist, total),
			Detail:      "run 'apidb optimize' to reclaim the space",
		})
	}
	return issues, nil
}
