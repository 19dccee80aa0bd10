package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestContainsTable(t *testing.T) {
	tables := []string{"a", "b", "c"}
	require.True(t, containsTable(tables, "b"))
	require.False(t, containsTable(tables, "z"))
}

func TestToDescriptor_CollectsObjectIDsInOrder(t *testing.T) {
	schema := sgtypes.TableSchema{{Name: "k", IsPK: true}}
	objs := []sgtypes.Object{{ObjectID: "aa"}, {ObjectID: "bb"}}
	desc := toDescriptor("img1", "t", schema, objs)
	require.Equal(t, sgtypes.Hash("img1"), desc.ImageHash)
	require.Equal(t, "t", desc.TableName)
	require.Equal(t, []sgtypes.Hash{"aa", "bb"}, desc.ObjectIDs)
}
