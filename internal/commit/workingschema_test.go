package commit

import (
	"testing"

	"github.com/doug-martin/goqu/v8"
	"github.com/stretchr/testify/require"

	"github.com/trase/splitgraph/internal/sgtypes"
)

func TestListTablesQuery_FiltersBySchemaAndType(t *testing.T) {
	query, _, err := psql.From("information_schema.tables").
		Select("table_name").
		Where(goqu.Ex{"table_schema": "myrepo", "table_type": "BASE TABLE"}).
		ToSQL()
	require.NoError(t, err)
	require.Contains(t, query, `'myrepo'`)
	require.Contains(t, query, `'BASE TABLE'`)
}

func TestReadWorkingRowsQuery_SelectsGivenColumnsOnly(t *testing.T) {
	cols := sgtypes.TableSchema{{Name: "id", IsPK: true}, {Name: "v"}}
	selects := make([]interface{}, len(cols))
	for i, c := range cols {
		selects[i] = goqu.C(c.Name)
	}
	query, _, err := psql.From(goqu.T("t").Schema("myrepo")).Select(selects...).ToSQL()
	require.NoError(t, err)
	require.Contains(t, query, `"id"`)
	require.Contains(t, query, `"v"`)
	require.Contains(t, query, `"myrepo"."t"`)
}
