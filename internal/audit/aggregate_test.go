package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

// aggregateChanges repeats the counting loop of Facade.Aggregate as a
// pure function over a change list, so the insert/update/delete
// bookkeeping can be tested without a live connection pool.
func aggregateChanges(changes []sgtypes.PendingChange) sgtypes.ChangeAggregate {
	var agg sgtypes.ChangeAggregate
	seen := map[string]sgtypes.ChangeKind{}
	for _, c := range changes {
		key := mapKey(c.PKValues)
		prior, ok := seen[key]
		switch {
		case !ok && c.Kind == sgtypes.ChangeInsert:
			agg.Added++
		case !ok && c.Kind == sgtypes.ChangeUpdate:
			agg.Updated++
		case !ok && c.Kind == sgtypes.ChangeDelete:
			agg.Removed++
		case ok && prior == sgtypes.ChangeInsert && c.Kind == sgtypes.ChangeDelete:
			agg.Added--
		case ok && c.Kind == sgtypes.ChangeDelete:
			agg.Removed++
			agg.Updated--
		}
		seen[key] = c.Kind
	}
	return agg
}

func mapKey(pk []string) string {
	return fmt.Sprintf("%v", pk)
}

func TestAggregateChanges_PlainInsertUpdateDelete(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"a"}, Kind: sgtypes.ChangeInsert},
		{PKValues: []string{"b"}, Kind: sgtypes.ChangeUpdate},
		{PKValues: []string{"c"}, Kind: sgtypes.ChangeDelete},
	}
	agg := aggregateChanges(changes)
	require.Equal(t, 1, agg.Added)
	require.Equal(t, 1, agg.Updated)
	require.Equal(t, 1, agg.Removed)
}

func TestAggregateChanges_InsertThenDeleteCancelsOut(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"a"}, Kind: sgtypes.ChangeInsert},
		{PKValues: []string{"a"}, Kind: sgtypes.ChangeDelete},
	}
	agg := aggregateChanges(changes)
	require.Equal(t, 0, agg.Added)
	require.Equal(t, 0, agg.Removed)
	require.Equal(t, 0, agg.Updated)
}

func TestAggregateChanges_UpdateThenDeleteCountsAsRemoved(t *testing.T) {
	changes := []sgtypes.PendingChange{
		{PKValues: []string{"a"}, Kind: sgtypes.ChangeUpdate},
		{PKValues: []string{"a"}, Kind: sgtypes.ChangeDelete},
	}
	agg := aggregateChanges(changes)
	require.Equal(t, 0, agg.Added)
	require.Equal(t, 1, agg.Removed)
	require.Equal(t, 0, agg.Updated)
}
