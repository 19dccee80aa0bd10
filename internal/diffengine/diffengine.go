// Package diffengine implements the Diff Engine (spec.md §4.7): added/
// removed/no-diff detection between two images' table descriptors, and a
// row-by-row compare (or aggregate) when both are present with differing
// content.
package diffengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/trase/splitgraph/internal/audit"
	"github.com/trase/splitgraph/internal/checkout"
	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// RowDiff is one row-level difference: Added is true for a row present
// only in image_b, false for a row present only in image_a. A row whose
// PK is in both images with different values appears once, with Added
// true and its image_b version.
type RowDiff struct {
	Added bool
	Row   sgtypes.Row
}

// Result is diff's return value: either a row-level sequence or an
// aggregate count, and whether the table exists at all on each side.
type Result struct {
	AddedTable   bool // table absent in a, present in b
	RemovedTable bool // table present in a, absent in b
	NoDiff       bool
	Rows         []RowDiff
	Aggregate    sgtypes.ChangeAggregate
}

// Engine compares table state across two images (or HEAD vs staging).
type Engine struct {
	store  *objstore.Store
	images *image.Manager
	mat    *checkout.Materializer
	audit  *audit.Facade
}

// New builds a Diff Engine.
func New(store *objstore.Store, images *image.Manager, mat *checkout.Materializer, auditLog *audit.Facade) *Engine {
	return &Engine{store: store, images: images, mat: mat, audit: auditLog}
}

// Diff implements spec.md §4.7. An empty imageB means "current staging
// area" (HEAD vs working schema); when aggregate is true in that case and
// imageA is the current HEAD, it delegates entirely to the Audit Facade.
func (e *Engine) Diff(ctx context.Context, repo sgtypes.RepoRef, tableName string, imageA, imageB sgtypes.Hash, aggregate bool) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "diffengine.diff", telemetry.RepoAttrs(repo.Namespace, repo.Repository)...)
	defer func() { telemetry.EndSpan(span, nil) }()

	descA, errA := e.images.GetTable(ctx, repo, imageA, tableName)
	presentA := errA == nil

	if imageB == "" {
		head, err := e.images.ByTag(ctx, repo, sgtypes.HeadTag, false)
		if err == nil && head != nil && head.ImageHash == imageA && aggregate {
			agg, err := e.audit.Aggregate(ctx, repo, tableName)
			if err != nil {
				return Result{}, err
			}
			return Result{Aggregate: agg}, nil
		}
		// Non-aggregate staging diff still needs a materialization of
		// the current working table to compare row-by-row; treated the
		// same as any other target image via the working schema handle.
	}

	descB, errB := e.images.GetTable(ctx, repo, imageB, tableName)
	presentB := errB == nil

	switch {
	case !presentA && presentB:
		return Result{AddedTable: true}, nil
	case presentA && !presentB:
		return Result{RemovedTable: true}, nil
	case !presentA && !presentB:
		return Result{NoDiff: true}, nil
	}

	if sameObjectSet(descA.ObjectIDs, descB.ObjectIDs) {
		if aggregate {
			return Result{NoDiff: true, Aggregate: sgtypes.ChangeAggregate{}}, nil
		}
		return Result{NoDiff: true}, nil
	}

	rowsA, err := e.materializedRows(ctx, *descA)
	if err != nil {
		return Result{}, err
	}
	rowsB, err := e.materializedRows(ctx, *descB)
	if err != nil {
		return Result{}, err
	}

	diffs, agg := compareRows(descA.Schema, rowsA, rowsB)
	if aggregate {
		return Result{Aggregate: agg}, nil
	}
	return Result{Rows: diffs}, nil
}

// materializedRows realizes desc into a scratch table, reads its rows
// back, and guarantees the scratch table is dropped before returning.
func (e *Engine) materializedRows(ctx context.Context, desc sgtypes.TableDescriptor) ([]sgtypes.Row, error) {
	handle, err := e.mat.MaterializeTransient(ctx, desc, desc.ImageHash, "")
	if err != nil {
		return nil, err
	}
	defer handle.Release(ctx)

	var colNames []string
	for _, c := range desc.Schema {
		colNames = append(colNames, fmt.Sprintf("%q", c.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM %q.%q", joinComma(colNames), handle.Schema, handle.Table)
	rows, err := e.store.Pool().Query(ctx, q)
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
		for i, c := range desc.Schema {
			row[c.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
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

func sameObjectSet(a, b []sgtypes.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]sgtypes.Hash{}, a...)
	sb := append([]sgtypes.Hash{}, b...)
	sort.Slice(sa, func(i, j int) bool { return sa[i] < sa[j] })
	sort.Slice(sb, func(i, j int) bool { return sb[i] < sb[j] })
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// compareRows performs a PK-keyed row-by-row compare, returning the
// (added?, row) sequence and the equivalent aggregate counts.
func compareRows(schema sgtypes.TableSchema, a, b []sgtypes.Row) ([]RowDiff, sgtypes.ChangeAggregate) {
	byPKa := indexByPK(schema, a)
	byPKb := indexByPK(schema, b)

	var diffs []RowDiff
	var agg sgtypes.ChangeAggregate
	for pk, rowA := range byPKa {
		rowB, ok := byPKb[pk]
		if !ok {
			diffs = append(diffs, RowDiff{Added: false, Row: rowA})
			agg.Removed++
			continue
		}
		if !cmp.Equal(rowA, rowB) {
			diffs = append(diffs, RowDiff{Added: true, Row: rowB})
			agg.Updated++
		}
	}
	for pk, rowB := range byPKb {
		if _, ok := byPKa[pk]; !ok {
			diffs = append(diffs, RowDiff{Added: true, Row: rowB})
			agg.Added++
		}
	}
	return diffs, agg
}

func indexByPK(schema sgtypes.TableSchema, rows []sgtypes.Row) map[string]sgtypes.Row {
	out := make(map[string]sgtypes.Row, len(rows))
	for _, r := range rows {
		out[sgtypes.PKOf(schema, r)] = r
	}
	return out
}
