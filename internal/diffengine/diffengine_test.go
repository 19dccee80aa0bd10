package diffengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func testSchema() sgtypes.TableSchema {
	return sgtypes.TableSchema{
		{Name: "k", PGType: "integer", IsPK: true},
		{Name: "v", PGType: "text"},
	}
}

func TestSameObjectSet_OrderIndependent(t *testing.T) {
	a := []sgtypes.Hash{"x", "y"}
	b := []sgtypes.Hash{"y", "x"}
	require.True(t, sameObjectSet(a, b))
}

func TestSameObjectSet_DifferentLength(t *testing.T) {
	require.False(t, sameObjectSet([]sgtypes.Hash{"x"}, []sgtypes.Hash{"x", "y"}))
}

func TestCompareRows_AddedRemovedUpdated(t *testing.T) {
	schema := testSchema()
	a := []sgtypes.Row{
		{"k": "1", "v": "a"},
		{"k": "2", "v": "b"},
	}
	b := []sgtypes.Row{
		{"k": "1", "v": "A"}, // updated
		{"k": "3", "v": "c"}, // added
	}
	diffs, agg := compareRows(schema, a, b)
	require.Equal(t, 1, agg.Added)
	require.Equal(t, 1, agg.Removed)
	require.Equal(t, 1, agg.Updated)
	require.Len(t, diffs, 3)
}

func TestCompareRows_NoDiffWhenIdentical(t *testing.T) {
	schema := testSchema()
	rows := []sgtypes.Row{{"k": "1", "v": "a"}}
	diffs, agg := compareRows(schema, rows, rows)
	require.Empty(t, diffs)
	require.Equal(t, sgtypes.ChangeAggregate{}, agg)
}
