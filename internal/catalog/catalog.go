// Package catalog holds the declarative schema for the API workbench store:
// every table, index, trigger, view, and seed row the engine expects, plus a
// content hash over the whole definition used to detect schema drift.
package catalog

// CurrentVersion is the schema version this catalog describes. Migration
// scripts in the schemaver package walk installed databases up to it.
const CurrentVersion = 3

// MetadataTable is the single-row table holding the installed version record.
const MetadataTable = "db_metadata"

// Column describes one table column. DefaultExpr is the SQL literal used both
// in DDL and when back-filling rows during legacy reconciliation.
type Column struct {
	Name        string
	Type        string
	Constraints string
	DefaultExpr string
}

// Table is a declarative table definition.
type Table struct {
	Name        string
	Columns     []Column
	Constraints []string
}

// Index is a declarative index definition.
type Index struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// Trigger pairs a trigger name with its full CREATE TRIGGER body.
type Trigger struct {
	Name string
	Body string
}

// View pairs a view name with its SELECT body.
type View struct {
	Name string
	Body string
}

// Catalog is the full declarative schema definition.
type Catalog struct {
	Version  int
	Tables   []Table
	Indexes  []Index
	Triggers []Trigger
	Views    []View
	Seed     []string
}

// ColumnNames returns the ordered column names of the table.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// TableNames returns the names of all declared tables, in declaration order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// Table looks up a table definition by name.
func (c *Catalog) Table(name string) (*Table, bool) {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// DataTableNames returns the declared tables excluding the metadata record
// table, in declaration order. Used by recovery export and integrity probes.
func (c *Catalog) DataTableNames() []string {
	var names []string
	for _, t := range c.Tables {
		if t.Name == MetadataTable {
			continue
		}
		names = append(names, t.Name)
	}
	return names
}

// Current returns the catalog for CurrentVersion. The returned value is
// freshly built on each call; callers may not mutate shared state through it.
func Current() *Catalog {
	return &Catalog{
		Version: CurrentVersion,
		Tables: []Table{
			{
				Name: "projects",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY AUTOINCREMENT"},
					{Name: "name", Type: "TEXT", Constraints: "NOT NULL CHECK(length(name) > 0)"},
					{Name: "swagger_url", Type: "TEXT", DefaultExpr: "''"},
					{Name: "swagger_source", Type: "TEXT", Constraints: "NOT NULL", DefaultExpr: "'url'"},
					{Name: "base_url", Type: "TEXT", DefaultExpr: "''"},
					{Name: "description", Type: "TEXT", DefaultExpr: "''"},
					{Name: "created_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
					{Name: "updated_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
					{Name: "last_accessed", Type: "DATETIME"},
					{Name: "request_count", Type: "INTEGER", Constraints: "NOT NULL", DefaultExpr: "0"},
					{Name: "is_active", Type: "INTEGER", Constraints: "NOT NULL", DefaultExpr: "1"},
				},
			},
			{
				Name: "auth_configs",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY AUTOINCREMENT"},
					{Name: "project_id", Type: "INTEGER", Constraints: "NOT NULL"},
					{Name: "auth_type", Type: "TEXT", Constraints: "NOT NULL", DefaultExpr: "'none'"},
					{Name: "config_data", Type: "TEXT", DefaultExpr: "'{}'"},
					{Name: "enabled", Type: "INTEGER", Constraints: "NOT NULL", DefaultExpr: "1"},
					{Name: "created_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
					{Name: "updated_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
				},
				Constraints: []string{
					"FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE",
				},
			},
			{
				Name: "environments",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY AUTOINCREMENT"},
					{Name: "project_id", Type: "INTEGER", Constraints: "NOT NULL"},
					{Name: "name", Type: "TEXT", Constraints: "NOT NULL"},
					{Name: "base_url", Type: "TEXT", DefaultExpr: "''"},
					{Name: "variables", Type: "TEXT", DefaultExpr: "'{}'"},
					{Name: "is_default", Type: "INTEGER", Constraints: "NOT NULL", DefaultExpr: "0"},
					{Name: "created_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
				},
				Constraints: []string{
					"FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE",
					"UNIQUE (project_id, name)",
				},
			},
			{
				Name: "request_history",
				Columns: []Column{
					{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY AUTOINCREMENT"},
					{Name: "project_id", Type: "INTEGER", Constraints: "NOT NULL"},
					{Name: "api_path", Type: "TEXT", Constraints: "NOT NULL"},
					{Name: "method", Type: "TEXT", Constraints: "NOT NULL", DefaultExpr: "'GET'"},
					{Name: "status_code", Type: "INTEGER"},
					{Name: "request_data", Type: "TEXT", DefaultExpr: "''"},
					{Name: "response_data", Type: "TEXT", DefaultExpr: "''"},
					{Name: "elapsed_ms", Type: "INTEGER", Constraints: "NOT NULL", DefaultExpr: "0"},
					{Name: "created_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
				},
				Constraints: []string{
					"FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE",
				},
			},
			{
				Name: "global_config",
				Columns: []Column{
					{Name: "key", Type: "TEXT", Constraints: "PRIMARY KEY"},
					{Name: "value", Type: "TEXT", Constraints: "NOT NULL", DefaultExpr: "''"},
					{Name: "updated_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
				},
			},
			{
				Name: MetadataTable,
				Columns: []Column{
					{Name: "id", Type: "INTEGER", Constraints: "PRIMARY KEY CHECK(id = 1)"},
					{Name: "version", Type: "INTEGER", Constraints: "NOT NULL"},
					{Name: "created_at", Type: "DATETIME", Constraints: "NOT NULL", DefaultExpr: "CURRENT_TIMESTAMP"},
					{Name: "last_migration", Type: "DATETIME"},
					{Name: "schema_hash", Type: "TEXT", Constraints: "NOT NULL", DefaultExpr: "''"},
					{Name: "notes", Type: "TEXT", DefaultExpr: "''"},
				},
			},
		},
		Indexes: []Index{
			{Name: "idx_projects_name", Table: "projects", Columns: []string{"name"}},
			{Name: "idx_projects_active", Table: "projects", Columns: []string{"is_active"}},
			{Name: "idx_auth_configs_project", Table: "auth_configs", Columns: []string{"project_id"}},
			{Name: "idx_environments_project", Table: "environments", Columns: []string{"project_id"}},
			{Name: "idx_history_project", Table: "request_history", Columns: []string{"project_id"}},
			{Name: "idx_history_created_at", Table: "request_history", Columns: []string{"created_at"}},
		},
		Triggers: []Trigger{
			{
				Name: "trg_history_request_count",
				Body: `CREATE TRIGGER IF NOT EXISTS trg_history_request_count
AFTER INSERT ON request_history
BEGIN
    UPDATE projects
    SET request_count = request_count + 1,
        last_accessed = CURRENT_TIMESTAMP
    WHERE id = NEW.project_id;
END`,
			},
		},
		Views: []View{
			{
				Name: "project_stats",
				Body: `CREATE VIEW IF NOT EXISTS project_stats AS
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
		},
		Seed: []string{
			`INSERT OR IGNORE INTO global_config (key, value) VALUES
    ('request_timeout_seconds', '30'),
    ('verify_ssl', 'true'),
    ('max_history_per_project', '500'),
    ('theme', 'system')`,
		},
	}
}
