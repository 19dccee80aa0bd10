package image

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestNewImageHash_ValidAndUnique(t *testing.T) {
	a := NewImageHash()
	b := NewImageHash()
	require.True(t, a.Valid())
	require.True(t, b.Valid())
	require.NotEqual(t, a, b)
}

func TestHashSlice_PreservesOrder(t *testing.T) {
	out := hashSlice([]string{"aa", "bb", "cc"})
	require.Equal(t, []sgtypes.Hash{"aa", "bb", "cc"}, out)
}
