package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestSplitCSV(t *testing.T) {
	require.Nil(t, splitCSV(""))
	require.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b,c"))
}

func TestPkNames(t *testing.T) {
	schema := sgtypes.TableSchema{
		{Name: "id", IsPK: true},
		{Name: "ts", IsPK: true},
		{Name: "v"},
	}
	require.Equal(t, []string{"id", "ts"}, pkNames(schema))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, exitCode(nil))
	require.Equal(t, 1, exitCode(sgerrors.NotFoundf("x")))
	require.Equal(t, 1, exitCode(sgerrors.CheckoutConflictf("x")))
	require.Equal(t, 1, exitCode(sgerrors.InvalidArgumentf("x")))
	require.Equal(t, 2, exitCode(sgerrors.Transportf("x")))
	require.Equal(t, 2, exitCode(sgerrors.Integrityf("x")))
}
