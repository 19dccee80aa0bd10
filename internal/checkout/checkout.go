// Package checkout implements the Materializer (spec.md §4.5):
// reconstructing a physical table from a table descriptor's BASE+PATCH
// chain, and transient materializations with guaranteed cleanup.
package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// Materializer reconstructs tables from fragment chains.
type Materializer struct {
	store *objstore.Store
}

// New builds a Materializer over an object store.
func New(store *objstore.Store) *Materializer {
	return &Materializer{store: store}
}

// Materialize reconstructs descriptor's table into
// destinationSchema.destinationName, creating it fresh (spec.md §4.5
// steps 1-4): resolve the chain, create the table, bulk-copy every BASE
// segment, then apply PATCHes in order.
func (m *Materializer) Materialize(ctx context.Context, descriptor sgtypes.TableDescriptor, destinationSchema, destinationName string) error {
	ctx, span := telemetry.StartSpan(ctx, "checkout.materialize")
	defer func() { telemetry.EndSpan(span, nil) }()

	objs, err := m.store.GetObjects(ctx, descriptor.ObjectIDs)
	if err != nil {
		return err
	}
	ordered, err := objstore.ResolveChain(objs, descriptor.ObjectIDs)
	if err != nil {
		return err
	}

	if err := m.createDestination(ctx, destinationSchema, destinationName, descriptor.Schema); err != nil {
		return err
	}

	for _, id := range ordered {
		obj := objs[id]
		rows, deleted, err := m.store.ReadRows(ctx, id, descriptor.Schema, obj.Format)
		if err != nil {
			return fmt.Errorf("checkout: read fragment %s: %w", id, err)
		}
		if obj.Format == sgtypes.FormatBase {
			if err := m.bulkCopy(ctx, destinationSchema, destinationName, descriptor.Schema, rows); err != nil {
				return err
			}
			continue
		}
		if err := m.applyPatch(ctx, destinationSchema, destinationName, descriptor.Schema, rows, deleted); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) createDestination(ctx context.Context, schema, name string, cols sgtypes.TableSchema) error {
	_, err := m.store.Pool().Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schema))
	if err != nil {
		return err
	}
	var defs []string
	var pk []string
	for _, c := range cols {
		defs = append(defs, fmt.Sprintf("%q %s", c.Name, c.PGType))
		if c.IsPK {
			pk = append(pk, fmt.Sprintf("%q", c.Name))
		}
	}
	if len(pk) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinComma(pk)))
	}
	ddl := fmt.Sprintf("CREATE TABLE %q.%q (%s)", schema, name, joinComma(defs))
	_, err = m.store.Pool().Exec(ctx, ddl)
	return err
}

func (m *Materializer) bulkCopy(ctx context.Context, schema, name string, cols sgtypes.TableSchema, rows []sgtypes.Row) error {
	if len(rows) == 0 {
		return nil
	}
	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = c.Name
	}
	src := &sliceSource{schema: cols, rows: rows}
	_, err := m.store.Pool().CopyFrom(ctx, pgx.Identifier{schema, name}, colNames, src)
	return err
}

// applyPatch upserts or deletes rows by PK, in fragment order (spec.md
// §4.5 step 4).
func (m *Materializer) applyPatch(ctx context.Context, schema, name string, cols sgtypes.TableSchema, rows []sgtypes.Row, deleted []bool) error {
	pk := cols.PKColumns()
	for i, row := range rows {
		pkConds, pkArgs := pkWhere(pk, row)
		if deleted[i] {
			q := fmt.Sprintf("DELETE FROM %q.%q WHERE %s", schema, name, pkConds)
			if _, err := m.store.Pool().Exec(ctx, q, pkArgs...); err != nil {
				return err
			}
			continue
		}
		if err := m.upsert(ctx, schema, name, cols, pk, row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) upsert(ctx context.Context, schema, name string, cols sgtypes.TableSchema, pk []sgtypes.Column, row sgtypes.Row) error {
	colNames := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		colNames[i] = fmt.Sprintf("%q", c.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c.Name]
	}
	var conflictCols []string
	for _, c := range pk {
		conflictCols = append(conflictCols, fmt.Sprintf("%q", c.Name))
	}
	var setClauses []string
	for _, c := range cols {
		if c.IsPK {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%q = EXCLUDED.%q", c.Name, c.Name))
	}

	action := "NOTHING"
	if len(setClauses) > 0 {
		action = "UPDATE SET " + joinComma(setClauses)
	}
	q := fmt.Sprintf("INSERT INTO %q.%q (%s) VALUES (%s) ON CONFLICT (%s) DO %s",
		schema, name, joinComma(colNames), joinComma(placeholders), joinComma(conflictCols), action)

	_, err := m.store.Pool().Exec(ctx, q, args...)
	return err
}

func pkWhere(pk []sgtypes.Column, row sgtypes.Row) (string, []any) {
	where := ""
	var args []any
	for i, c := range pk {
		if i > 0 {
			where += " AND "
		}
		where += fmt.Sprintf("%q = $%d", c.Name, i+1)
		args = append(args, row[c.Name])
	}
	return where, args
}

// MaterializedTable is a handle to a transient materialization, released
// on all exit paths (spec.md §4.5).
type MaterializedTable struct {
	m      *Materializer
	Schema string
	Table  string
	owned  bool
}

// MaterializeTransient yields a (schema, table_name) handle for a
// one-off read, in a scratch schema named with a uuid so concurrent
// transient materializations never collide. Caller must call Release.
// When imageHash is the zero value, the working schema/table pair is
// returned verbatim with no materialization and nothing to release.
func (m *Materializer) MaterializeTransient(ctx context.Context, descriptor sgtypes.TableDescriptor, imageHash sgtypes.Hash, workingSchema string) (*MaterializedTable, error) {
	if imageHash == "" {
		return &MaterializedTable{m: m, Schema: workingSchema, Table: descriptor.TableName, owned: false}, nil
	}

	scratchSchema := "splitgraph_tmp"
	scratchTable := "mat_" + uuid.NewString()
	if err := m.Materialize(ctx, descriptor, scratchSchema, scratchTable); err != nil {
		return nil, err
	}
	return &MaterializedTable{m: m, Schema: scratchSchema, Table: scratchTable, owned: true}, nil
}

// Release drops the transient table, if one was created.
func (t *MaterializedTable) Release(ctx context.Context) error {
	if !t.owned {
		return nil
	}
	_, err := t.m.store.Pool().Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q.%q", t.Schema, t.Table))
	return err
}

// RunSQL executes query against the working schema and stores its result
// set in a new scratch table there, named with a uuid, and returns that
// table's name; import_tables then records the table as a BASE object, a
// uniform way to bring an arbitrary SQL result into the object graph
// (SPEC_FULL.md §4 supplement).
func (m *Materializer) RunSQL(ctx context.Context, workingSchema, query string) (scratchTable string, err error) {
	scratchTable = "sgquery_" + uuid.NewString()
	ddl := fmt.Sprintf("CREATE TABLE %q.%q AS %s", workingSchema, scratchTable, query)
	if _, err := m.store.Pool().Exec(ctx, ddl); err != nil {
		return "", sgerrors.InvalidArgumentf("run_sql: %v", err)
	}
	return scratchTable, nil
}

type sliceSource struct {
	schema sgtypes.TableSchema
	rows   []sgtypes.Row
	i      int
}

func (s *sliceSource) Next() bool {
	s.i++
	return s.i <= len(s.rows)
}

func (s *sliceSource) Values() ([]any, error) {
	row := s.rows[s.i-1]
	vals := make([]any, len(s.schema))
	for i, c := range s.schema {
		vals[i] = row[c.Name]
	}
	return vals, nil
}

func (s *sliceSource) Err() error { return nil }

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
