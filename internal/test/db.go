package test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/replforge/bulkrepl/pkg/schema"
)

// OpenDB returns an isolated in-memory database standing in for one node.
// A single pooled connection keeps the in-memory database alive for the
// test's lifetime.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Fixture is the bulk-load fixture table: serial primary key, a defaulted
// column, and nullable text columns.
func Fixture() schema.Table {
	return schema.Table{
		Name: "basic_copy",
		Columns: []schema.Column{
			{Name: "a", Type: "INTEGER", PrimaryKey: true},
			{Name: "b", Type: "TEXT"},
			{Name: "c", Type: "TEXT", Default: "'stuff'"},
			{Name: "d", Type: "TEXT"},
			{Name: "e", Type: "TEXT"},
		},
	}
}

// NewRegistry returns a registry holding the fixture table, materialized on
// each of the given nodes.  Every node runs the same DDL, so defaults are
// defined, and later evaluated, per node.
func NewRegistry(t *testing.T, ctx context.Context, nodes ...*sql.DB) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Define(Fixture())
	for _, db := range nodes {
		require.NoError(t, reg.Materialize(ctx, db))
	}
	return reg
}

// ReadRows reads back all columns of a table ordered by the given key, for
// comparing primary and replica state field-for-field.
func ReadRows(t *testing.T, ctx context.Context, db *sql.DB, tbl *schema.Table, orderBy string) []map[string]any {
	t.Helper()

	names := tbl.ColumnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	q := fmt.Sprintf("SELECT %s FROM %q ORDER BY %q",
		strings.Join(quoted, ", "), tbl.Name, orderBy)

	rows, err := db.QueryContext(ctx, q)
	require.NoError(t, err)
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))

		row := map[string]any{}
		for i, n := range names {
			row[n] = vals[i]
		}
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}
