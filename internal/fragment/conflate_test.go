package fragment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestConflate_InsertThenDeleteCancels(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeInsert, NewRow: sgtypes.Row{"k": "1", "v": "a"}},
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeDelete},
	}
	out := Conflate(changes)
	require.Empty(t, out)
}

func TestConflate_DeleteThenInsertBecomesUpdate(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeDelete},
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeInsert, NewRow: sgtypes.Row{"k": "1", "v": "b"}},
	}
	out := Conflate(changes)
	require.Len(t, out, 1)
	require.Equal(t, sgtypes.ChangeUpdate, out[0].kind)
	require.Equal(t, "b", out[0].row["v"])
}

func TestConflate_MultipleUpdatesKeepsLastWriter(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeUpdate, NewRow: sgtypes.Row{"k": "1", "v": "a"}},
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeUpdate, NewRow: sgtypes.Row{"k": "1", "v": "z"}},
	}
	out := Conflate(changes)
	require.Len(t, out, 1)
	require.Equal(t, "z", out[0].row["v"])
}

func TestConflate_UpdateThenDeleteIsDelete(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeUpdate, NewRow: sgtypes.Row{"k": "1", "v": "a"}},
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeDelete},
	}
	out := Conflate(changes)
	require.Len(t, out, 1)
	require.Equal(t, sgtypes.ChangeDelete, out[0].kind)
}

func TestConflate_IndependentPKsPreserveOrder(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"2"}, Kind: sgtypes.ChangeInsert, NewRow: sgtypes.Row{"k": "2"}},
		{PKValues: []string{"1"}, Kind: sgtypes.ChangeInsert, NewRow: sgtypes.Row{"k": "1"}},
	}
	out := Conflate(changes)
	require.Len(t, out, 2)
	require.Equal(t, "2", out[0].pk[0])
	require.Equal(t, "1", out[1].pk[0])
}

func testSchema() sgtypes.TableSchema {
	return sgtypes.TableSchema{
		{Name: "k", PGType: "integer", IsPK: true, Ordinal: 1},
		{Name: "v", PGType: "text", Ordinal: 2},
	}
}

func TestAssignChunk_ResidualWhenOutsideEveryRange(t *testing.T) {
	chunks := []chunkRange{{min: "1", max: "2", tip: "base1"}, {min: "3", max: "3", tip: "base2"}}
	require.Equal(t, 0, assignChunk(chunks, "1"))
	require.Equal(t, 1, assignChunk(chunks, "3"))
	require.Equal(t, -1, assignChunk(chunks, "4"))
}

func TestContentHash_DeterministicForIdenticalInput(t *testing.T) {
	schema := testSchema()
	rows := []sgtypes.Row{{"k": "1", "v": "a"}, {"k": "2", "v": "b"}}
	h1 := contentHash(schema, sgtypes.FormatBase, rows, nil)
	h2 := contentHash(schema, sgtypes.FormatBase, rows, nil)
	require.Equal(t, h1, h2)
	require.True(t, h1.Valid())
}

func TestContentHash_DiffersOnRowChange(t *testing.T) {
	schema := testSchema()
	rows1 := []sgtypes.Row{{"k": "1", "v": "a"}}
	rows2 := []sgtypes.Row{{"k": "1", "v": "b"}}
	require.NotEqual(t, contentHash(schema, sgtypes.FormatBase, rows1, nil), contentHash(schema, sgtypes.FormatBase, rows2, nil))
}
