// Package schema is the registry of table definitions shared by the capture
// and apply sides.  It is passed around as an explicit handle; nothing in
// this module discovers schemas from an ambient catalog.
//
// The registry assumes both sides were created from identical definitions
// before capture begins.  Behavior under schema drift between capture and
// apply is undefined; the apply engine only detects relation-id mismatches.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// Column describes one column of a replicated table.  Default is a SQL
// expression evaluated by whichever node inserts the row; it is never
// materialized at capture time.
type Column struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Default    string `yaml:"default,omitempty"`
	NotNull    bool   `yaml:"not_null,omitempty"`
	PrimaryKey bool   `yaml:"pk,omitempty"`
}

// Table is an ordered column list plus a stable numeric relation id.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
}

// RelationID derives a stable numeric id for the table from its name, a
// stand-in for a catalog oid that both sides compute identically.
func (t *Table) RelationID() uint32 {
	return uint32(xxhash.Sum64String(t.Name))
}

// Column returns the named column definition.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the table's column names in definition order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the name of the table's primary key column, if any.
func (t *Table) PrimaryKey() (string, bool) {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name, true
		}
	}
	return "", false
}

// CreateDDL renders the CREATE TABLE statement for the table.
func (t *Table) CreateDDL() string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		var b strings.Builder
		fmt.Fprintf(&b, "%q %s", c.Name, c.Type)
		if c.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
		if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if c.Default != "" {
			fmt.Fprintf(&b, " DEFAULT %s", c.Default)
		}
		cols[i] = b.String()
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", t.Name, strings.Join(cols, ", "))
}

// Registry holds the table definitions known to a node.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{tables: map[string]*Table{}}
}

// Define registers a table definition, replacing any previous definition of
// the same name.
func (r *Registry) Define(t Table) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	tbl := t
	r.tables[t.Name] = &tbl
	return &tbl
}

// Table returns the named table definition.
func (r *Registry) Table(name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns all definitions in registration order.
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}

// Materialize creates every registered table on the given node.  Defaults
// are part of the DDL, so each node evaluates its own default expressions
// at insert time.
func (r *Registry) Materialize(ctx context.Context, db *sql.DB) error {
	for _, t := range r.Tables() {
		if _, err := db.ExecContext(ctx, t.CreateDDL()); err != nil {
			return fmt.Errorf("error creating table %s: %w", t.Name, err)
		}
	}
	return nil
}

type schemaFile struct {
	Tables []Table `yaml:"tables"`
}

// Load reads table definitions from a YAML schema file.
func Load(path string) (*Registry, error) {
	byt, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading schema file: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(byt, &f); err != nil {
		return nil, fmt.Errorf("error parsing schema file: %w", err)
	}
	r := NewRegistry()
	for _, t := range f.Tables {
		r.Define(t)
	}
	return r, nil
}
