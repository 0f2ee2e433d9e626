package changeset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestColumnValueTags(t *testing.T) {
	lit := Text("stuff")
	empty := Text("")
	null := Null()
	def := Default()

	require.True(t, lit.IsText())
	require.True(t, null.IsNull())
	require.True(t, def.IsDefault())

	// An empty literal is a value, not a null and not a default.
	require.True(t, empty.IsText())
	require.False(t, empty.IsNull())
	require.NotEqual(t, empty, null)
	require.NotEqual(t, empty, def)

	// Explicit null and use-default never collapse into each other.
	require.NotEqual(t, null, def)
}

func TestChangeTupleLookup(t *testing.T) {
	ch := Change{
		Operation: OperationInsert,
		Table:     "basic_copy",
		New: []Tuple{
			{Column: "b", Value: Text("foo")},
			{Column: "d", Value: Null()},
		},
	}

	v, ok := ch.Tuple("b")
	require.True(t, ok)
	require.Equal(t, Text("foo"), v)

	v, ok = ch.Tuple("d")
	require.True(t, ok)
	require.True(t, v.IsNull())

	// Columns outside the bulk load's column list are simply absent; the
	// apply side treats absence as use-default.
	_, ok = ch.Tuple("c")
	require.False(t, ok)
}
