package checkout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestPkWhere_BuildsConditionsInColumnOrder(t *testing.T) {
	pk := []sgtypes.Column{{Name: "a"}, {Name: "b"}}
	row := sgtypes.Row{"a": 1, "b": "x"}
	cond, args := pkWhere(pk, row)
	require.Equal(t, `"a" = $1 AND "b" = $2`, cond)
	require.Equal(t, []any{1, "x"}, args)
}

func TestJoinComma(t *testing.T) {
	require.Equal(t, "", joinComma(nil))
	require.Equal(t, "a", joinComma([]string{"a"}))
	require.Equal(t, "a, b, c", joinComma([]string{"a", "b", "c"}))
}

func TestSliceSource_IteratesInOrder(t *testing.T) {
	schema := sgtypes.TableSchema{{Name: "k"}, {Name: "v"}}
	rows := []sgtypes.Row{{"k": "1", "v": "a"}, {"k": "2", "v": "b"}}
	src := &sliceSource{schema: schema, rows: rows}

	require.True(t, src.Next())
	vals, err := src.Values()
	require.NoError(t, err)
	require.Equal(t, []any{"1", "a"}, vals)

	require.True(t, src.Next())
	vals, err = src.Values()
	require.NoError(t, err)
	require.Equal(t, []any{"2", "b"}, vals)

	require.False(t, src.Next())
}
