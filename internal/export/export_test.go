package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestSqlString_EscapesQuotes(t *testing.T) {
	require.Equal(t, "'it''s'", sqlString("it's"))
}

func TestSqlLiteral_NilAndTypes(t *testing.T) {
	require.Equal(t, "NULL", sqlLiteral(nil))
	require.Equal(t, "TRUE", sqlLiteral(true))
	require.Equal(t, "'abc'", sqlLiteral("abc"))
	require.Equal(t, "'42'", sqlLiteral(42))
}

func TestReferencedObjects_DedupesAndSorts(t *testing.T) {
	tables := []sgtypes.TableDescriptor{
		{TableName: "a", ObjectIDs: []sgtypes.Hash{"z", "a"}},
		{TableName: "b", ObjectIDs: []sgtypes.Hash{"a", "m"}},
	}
	require.Equal(t, []sgtypes.Hash{"a", "m", "z"}, referencedObjects(tables))
}

func TestDumpTags_ExcludesNothingAlreadyFiltered(t *testing.T) {
	var buf bytes.Buffer
	tags := []sgtypes.Tag{{Namespace: "ns", Repository: "repo", Tag: "v1", ImageHash: "h1"}}
	require.NoError(t, dumpTags(&buf, tags))
	out := buf.String()
	require.True(t, strings.Contains(out, "'v1'"))
	require.True(t, strings.Contains(out, "'h1'"))
}

func TestDumpObjects_EmitsDeleteThenInserts(t *testing.T) {
	var buf bytes.Buffer
	ids := []sgtypes.Hash{"o1"}
	objs := map[sgtypes.Hash]sgtypes.Object{"o1": {ObjectID: "o1", Format: sgtypes.FormatBase, Namespace: "ns"}}
	locs := map[sgtypes.Hash]sgtypes.ObjectLocation{"o1": {ObjectID: "o1", Protocol: "DB", URL: "conn"}}
	require.NoError(t, dumpObjects(&buf, ids, objs, locs))
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.True(t, strings.HasPrefix(lines[0], "DELETE FROM"))
	require.True(t, strings.Contains(out, "INSERT INTO"))
	require.True(t, strings.Contains(out, "'DB'"))
}

func TestSchemaByObject_FirstTableWins(t *testing.T) {
	schema := sgtypes.TableSchema{{Name: "id", IsPK: true}}
	tables := []sgtypes.TableDescriptor{
		{TableName: "a", Schema: schema, ObjectIDs: []sgtypes.Hash{"o1"}},
	}
	out := schemaByObject(tables)
	require.Equal(t, schema, out["o1"])
}
