package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixture() Table {
	return Table{
		Name: "basic_copy",
		Columns: []Column{
			{Name: "a", Type: "INTEGER", PrimaryKey: true},
			{Name: "b", Type: "TEXT"},
			{Name: "c", Type: "TEXT", Default: "'stuff'"},
		},
	}
}

func TestCreateDDL(t *testing.T) {
	tbl := fixture()
	require.Equal(t,
		`CREATE TABLE IF NOT EXISTS "basic_copy" ("a" INTEGER PRIMARY KEY, "b" TEXT, "c" TEXT DEFAULT 'stuff')`,
		tbl.CreateDDL(),
	)
}

func TestRelationIDStable(t *testing.T) {
	a := fixture()
	b := fixture()
	require.Equal(t, a.RelationID(), b.RelationID())

	other := Table{Name: "other"}
	require.NotEqual(t, a.RelationID(), other.RelationID())
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Define(fixture())

	tbl, ok := r.Table("basic_copy")
	require.True(t, ok)

	col, ok := tbl.Column("c")
	require.True(t, ok)
	require.Equal(t, "'stuff'", col.Default)

	_, ok = tbl.Column("nope")
	require.False(t, ok)

	pk, ok := tbl.PrimaryKey()
	require.True(t, ok)
	require.Equal(t, "a", pk)

	require.Equal(t, []string{"a", "b", "c"}, tbl.ColumnNames())

	_, ok = r.Table("missing")
	require.False(t, ok)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	err := os.WriteFile(path, []byte(`
tables:
  - name: basic_copy
    columns:
      - name: a
        type: INTEGER
        pk: true
      - name: b
        type: TEXT
      - name: c
        type: TEXT
        default: "'stuff'"
        not_null: true
`), 0o644)
	require.NoError(t, err)

	r, err := Load(path)
	require.NoError(t, err)

	tbl, ok := r.Table("basic_copy")
	require.True(t, ok)
	require.Len(t, tbl.Columns, 3)

	col, ok := tbl.Column("c")
	require.True(t, ok)
	require.Equal(t, "'stuff'", col.Default)
	require.True(t, col.NotNull)
}
