package commit

import (
	"context"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgtypes"
)

var psql = goqu.Dialect("postgres")

// listTables returns every base table name in a working schema, in no
// particular order; the Commit Engine only needs the set, not the order.
func listTables(ctx context.Context, store *objstore.Store, schema string) ([]string, error) {
	query, _, err := psql.From("information_schema.tables").
		Select("table_name").
		Where(goqu.Ex{"table_schema": schema, "table_type": "BASE TABLE"}).
		ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := store.Pool().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// inspectTableSchema reads a working table's column list and primary key
// from information_schema, the live-schema analogue of objstore's
// inspectPayloadSchema for fragment payload tables.
func inspectTableSchema(ctx context.Context, store *objstore.Store, schema, table string) (sgtypes.TableSchema, error) {
	pk, err := primaryKeyColumns(ctx, store, schema, table)
	if err != nil {
		return nil, err
	}
	pkSet := map[string]bool{}
	for _, c := range pk {
		pkSet[c] = true
	}

	rows, err := store.Pool().Query(ctx, `
		SELECT column_name, data_type, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out sgtypes.TableSchema
	for rows.Next() {
		var name, dtype string
		var pos int
		if err := rows.Scan(&name, &dtype, &pos); err != nil {
			return nil, err
		}
		out = append(out, sgtypes.Column{Name: name, PGType: dtype, Ordinal: pos, IsPK: pkSet[name]})
	}
	return out, rows.Err()
}

func primaryKeyColumns(ctx context.Context, store *objstore.Store, schema, table string) ([]string, error) {
	rows, err := store.Pool().Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = (quote_ident($1) || '.' || quote_ident($2))::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// readWorkingRows reads every row of a working table in PK order, for
// record_table_as_base. A table with no PK comes back in whatever order
// the backing store returns.
func readWorkingRows(ctx context.Context, store *objstore.Store, schema, table string, cols sgtypes.TableSchema) ([]sgtypes.Row, error) {
	selects := make([]interface{}, len(cols))
	for i, c := range cols {
		selects[i] = goqu.C(c.Name)
	}
	q := psql.From(goqu.T(table).Schema(schema)).Select(selects...)
	for _, c := range cols.PKColumns() {
		q = q.OrderAppend(goqu.C(c.Name).Asc())
	}
	query, _, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := store.Pool().Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sgtypes.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := sgtypes.Row{}
		for i, c := range cols {
			row[c.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
