// Package schemaver tracks the installed schema version of a database and
// walks it between versions with registered migration scripts.
package schemaver

import (
	"errors"
	"fmt"
)

// ErrMissingScriptEdge is returned when no registered script covers one of
// the version transitions a plan needs.
var ErrMissingScriptEdge = errors.New("no migration script for version transition")

// Direction says which way a script moves the schema.
type Direction int

const (
	// DirectionUp moves toward a newer version.
	DirectionUp Direction = iota
	// DirectionDown reverts to an older version.
	DirectionDown
)

func (d Direction) String() string {
	if d == DirectionDown {
		return "down"
	}
	return "up"
}

// Script is one registered migration: the statements that take a database
// from version From to version To, applied in one transaction.
type Script struct {
	From        int
	To          int
	Direction   Direction
	Description string
	Statements  []string
}

type edge struct{ from, to int }

// Registry holds the known migration scripts keyed by version transition.
type Registry struct {
	scripts map[edge]Script
}

// Register adds a script, replacing any existing script for the same
// transition.
func (r *Registry) Register(s Script) {
	r.scripts[edge{s.From, s.To}] = s
}

// Script looks up the script for one transition.
func (r *Registry) Script(from, to int) (Script, bool) {
	s, ok := r.scripts[edge{from, to}]
	return s, ok
}

// Plan returns the ordered scripts that walk a database from version
// `from` to version `to`, stepping one version at a time. Any gap in the
// registry fails the whole plan with ErrMissingScriptEdge.
func (r *Registry) Plan(from, to int) ([]Script, error) {
	if from == to {
		return nil, nil
	}
	stepBy := 1
	if to < from {
		stepBy = -1
	}
	var plan []Script
	for v := from; v != to; v += stepBy {
		s, ok := r.Script(v, v+stepBy)
		if !ok {
			return nil, fmt.Errorf("%w: %d -> %d", ErrMissingScriptEdge, v, v+stepBy)
		}
		plan = append(plan, s)
	}
	return plan, nil
}

// NewRegistry returns the registry with every shipped migration.
func NewRegistry() *Registry {
	r := &Registry{scripts: map[edge]Script{}}

	r.Register(Script{
		From: 0, To: 1, Direction: DirectionUp,
		Description: "create the base project store",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    swagger_url TEXT DEFAULT '',
    swagger_source TEXT NOT NULL DEFAULT 'url',
    base_url TEXT DEFAULT '',
    description TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
			`CREATE TABLE IF NOT EXISTS auth_configs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL,
    auth_type TEXT NOT NULL DEFAULT 'none',
    config_data TEXT DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
)`,
			`CREATE TABLE IF NOT EXISTS global_config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
			`CREATE TABLE IF NOT EXISTS db_metadata (
    id INTEGER PRIMARY KEY CHECK(id = 1),
    version INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_migration DATETIME,
    schema_hash TEXT NOT NULL DEFAULT '',
    notes TEXT DEFAULT ''
)`,
			`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name)`,
			`CREATE INDEX IF NOT EXISTS idx_auth_configs_project ON auth_configs(project_id)`,
		},
	})

	r.Register(Script{
		From: 1, To: 2, Direction: DirectionUp,
		Description: "add per-project environments and the active flag",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS environments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    base_url TEXT DEFAULT '',
    variables TEXT DEFAULT '{}',
    is_default INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    UNIQUE (project_id, name)
)`,
			`CREATE INDEX IF NOT EXISTS idx_environments_project ON environments(project_id)`,
			`ALTER TABLE projects ADD COLUMN is_active INTEGER NOT NULL DEFAULT 1`,
			`CREATE INDEX IF NOT EXISTS idx_projects_active ON projects(is_active)`,
		},
	})

	r.Register(Script{
		From: 2, To: 3, Direction: DirectionUp,
		Description: "add request history with derived per-project counters",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS request_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL,
    api_path TEXT NOT NULL,
    method TEXT NOT NULL DEFAULT 'GET',
    status_code INTEGER,
    request_data TEXT DEFAULT '',
    response_data TEXT DEFAULT '',
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
)`,
			`CREATE INDEX IF NOT EXISTS idx_history_project ON request_history(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_history_created_at ON request_history(created_at)`,
			`ALTER TABLE projects ADD COLUMN last_accessed DATETIME`,
			`ALTER TABLE projects ADD COLUMN request_count INTEGER NOT NULL DEFAULT 0`,
			`CREATE TRIGGER IF NOT EXISTS trg_history_request_count
AFTER INSERT ON request_history
BEGIN
    UPDATE projects
    SET request_count = request_count + 1,
        last_accessed = CURRENT_TIMESTAMP
    WHERE id = NEW.project_id;
END`,
			`CREATE VIEW IF NOT EXISTS project_stats AS
SELECT
    p.id,
    p.name,
    p.request_count,
    COUNT(h.id) AS history_rows,
    MAX(h.created_at) AS last_request_at
FROM projects p
LEFT JOIN request_history h ON h.project_id = p.id
GROUP BY p.id`,
		},
	})

	r.Register(Script{
		From: 3, To: 2, Direction: DirectionDown,
		Description: "drop request history and the derived counters",
		Statements: []string{
			`DROP VIEW IF EXISTS project_stats`,
			`DROP TRIGGER IF EXISTS trg_history_request_count`,
			`DROP INDEX IF EXISTS idx_history_created_at`,
			`DROP INDEX IF EXISTS idx_history_project`,
			`DROP TABLE IF EXISTS request_history`,
			`ALTER TABLE projects DROP COLUMN request_count`,
			`ALTER TABLE projects DROP COLUMN last_accessed`,
		},
	})

	r.Register(Script{
		From: 2, To: 1, Direction: DirectionDown,
		Description: "drop environments and the active flag",
		Statements: []string{
			`DROP INDEX IF EXISTS idx_environments_project`,
			`DROP TABLE IF EXISTS environments`,
			`DROP INDEX IF EXISTS idx_projects_active`,
			`ALTER TABLE projects DROP COLUMN is_active`,
		},
	})

	return r
}
