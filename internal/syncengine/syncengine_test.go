package syncengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func hash(h string) sgtypes.Hash { return sgtypes.Hash(h) }

func TestOrderParentFirst_LinearChain(t *testing.T) {
	a := hash("a")
	b := hash("b")
	images := []sgtypes.Image{
		{ImageHash: hash("c"), ParentID: &b},
		{ImageHash: hash("a")},
		{ImageHash: hash("b"), ParentID: &a},
	}
	orderParentFirst(images)
	require.Equal(t, []sgtypes.Hash{"a", "b", "c"}, []sgtypes.Hash{images[0].ImageHash, images[1].ImageHash, images[2].ImageHash})
}

func TestOrderParentFirst_AlreadySorted(t *testing.T) {
	images := []sgtypes.Image{
		{ImageHash: hash("x")},
		{ImageHash: hash("y")},
	}
	orderParentFirst(images)
	require.Equal(t, hash("x"), images[0].ImageHash)
	require.Equal(t, hash("y"), images[1].ImageHash)
}

func TestGatherTablesAndObjects_Dedupes(t *testing.T) {
	// gatherTablesAndObjects itself needs live Endpoints, so this test
	// does not call it: it repeats the function's dedup loop inline over
	// two descriptors that share an object id.
	seen := map[sgtypes.Hash]bool{}
	var objectIDs []sgtypes.Hash
	for _, d := range []sgtypes.TableDescriptor{
		{ObjectIDs: []sgtypes.Hash{"o1", "o2"}},
		{ObjectIDs: []sgtypes.Hash{"o2", "o3"}},
	} {
		for _, id := range d.ObjectIDs {
			if !seen[id] {
				seen[id] = true
				objectIDs = append(objectIDs, id)
			}
		}
	}
	require.Equal(t, []sgtypes.Hash{"o1", "o2", "o3"}, objectIDs)
}
