package objstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trase/splitgraph/internal/sgtypes"
)

// isDeletedColumn is the per-row upsert/delete flag carried by PATCH
// fragment payloads (spec.md §3: "Payload is the row data with, for
// PATCH, a per-row upsert-delete flag").
const isDeletedColumn = "sg_is_deleted"

// payloadTable returns the quoted identifier of the physical table
// backing an object's payload, living in the META schema so that the
// dump format's "DROP FOREIGN TABLE IF EXISTS META.<object_id>" framing
// (spec.md §6) refers to exactly this table.
func payloadTable(objectID sgtypes.Hash) string {
	return fmt.Sprintf("%s.%q", MetaSchema, "o_"+string(objectID))
}

// CreatePayloadTable creates the physical table for a fragment's payload.
// PATCH fragments carry an extra boolean delete flag column.
func (s *Store) CreatePayloadTable(ctx context.Context, objectID sgtypes.Hash, schema sgtypes.TableSchema, format sgtypes.ObjectFormat) error {
	var cols []string
	for _, c := range schema {
		cols = append(cols, fmt.Sprintf("%q %s", c.Name, c.PGType))
	}
	if format == sgtypes.FormatPatch {
		cols = append(cols, fmt.Sprintf("%q BOOLEAN NOT NULL DEFAULT FALSE", isDeletedColumn))
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", payloadTable(objectID), joinComma(cols))
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// WriteRows bulk-copies rows into a fragment's payload table via
// pgx.CopyFrom, mirroring the Materializer's own "bulk-copy each BASE
// segment's rows" step (spec.md §4.5) — the same fast path is used on
// the write side when the fragment is built.
func (s *Store) WriteRows(ctx context.Context, objectID sgtypes.Hash, schema sgtypes.TableSchema, rows []sgtypes.Row, deleted []bool) (int64, error) {
	colNames := make([]string, len(schema))
	for i, c := range schema {
		colNames[i] = c.Name
	}
	withDelete := deleted != nil
	if withDelete {
		colNames = append(colNames, isDeletedColumn)
	}

	src := &rowSource{schema: schema, rows: rows, deleted: deleted, withDelete: withDelete}
	ident := pgx.Identifier{MetaSchema, "o_" + string(objectID)}
	return s.pool.CopyFrom(ctx, ident, colNames, src)
}

// rowSource adapts []sgtypes.Row to pgx.CopyFromSource.
type rowSource struct {
	schema     sgtypes.TableSchema
	rows       []sgtypes.Row
	deleted    []bool
	withDelete bool
	i          int
}

func (r *rowSource) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *rowSource) Values() ([]any, error) {
	idx := r.i - 1
	row := r.rows[idx]
	vals := make([]any, 0, len(r.schema)+1)
	for _, c := range r.schema {
		vals = append(vals, row[c.Name])
	}
	if r.withDelete {
		vals = append(vals, r.deleted[idx])
	}
	return vals, nil
}

func (r *rowSource) Err() error { return nil }

// ReadRows reads every row of a fragment's payload table in PK order,
// along with the delete flag for PATCH fragments (false for BASE rows).
func (s *Store) ReadRows(ctx context.Context, objectID sgtypes.Hash, schema sgtypes.TableSchema, format sgtypes.ObjectFormat) ([]sgtypes.Row, []bool, error) {
	var cols []string
	for _, c := range schema {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
	}
	selectCols := joinComma(cols)
	if format == sgtypes.FormatPatch {
		selectCols += fmt.Sprintf(", %q", isDeletedColumn)
	}
	orderBy := pkOrderBy(schema)

	q := fmt.Sprintf("SELECT %s FROM %s", selectCols, payloadTable(objectID))
	if orderBy != "" {
		q += " ORDER BY " + orderBy
	}
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, nil, fmt.Errorf("objstore: read payload %s: %w", objectID, err)
	}
	defer rows.Close()

	var outRows []sgtypes.Row
	var outDel []bool
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := sgtypes.Row{}
		n := len(schema)
		for i, c := range schema {
			row[c.Name] = vals[i]
		}
		del := false
		if format == sgtypes.FormatPatch {
			if b, ok := vals[n].(bool); ok {
				del = b
			}
		}
		outRows = append(outRows, row)
		outDel = append(outDel, del)
	}
	return outRows, outDel, rows.Err()
}

// DropPayloadTable removes the physical table backing a fragment's
// payload (used by cleanup() once no table descriptor references it).
func (s *Store) DropPayloadTable(ctx context.Context, objectID sgtypes.Hash) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", payloadTable(objectID)))
	return err
}

func pkOrderBy(schema sgtypes.TableSchema) string {
	var cols []string
	for _, c := range schema.PKColumns() {
		cols = append(cols, fmt.Sprintf("%q", c.Name))
	}
	return joinComma(cols)
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
