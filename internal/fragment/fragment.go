// Package fragment implements the Fragment Manager (spec.md §4.3):
// chunking a table's full content into content-addressed BASE fragments,
// and conflating a table's pending changes into a single content-addressed
// PATCH fragment, optionally split along existing chunk boundaries.
package fragment

import (
	"context"
	"fmt"
	"sort"

	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// DefaultChunkSize matches engineconfig's DefaultChunkSize so a Manager
// built without an explicit size falls back to the same value the rest
// of the engine reports in its config.
const DefaultChunkSize = 10000

// Manager builds and registers fragments against an object store.
type Manager struct {
	store     *objstore.Store
	chunkSize int
}

// New builds a Manager. chunkSize <= 0 selects DefaultChunkSize.
func New(store *objstore.Store, chunkSize int) *Manager {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Manager{store: store, chunkSize: chunkSize}
}

// RecordTableAsBase sorts rows by PK, ascending, splits them into
// chunkSize-row segments, writes each to its own payload table, and
// registers one BASE object per segment (spec.md §4.3). Returned objects
// are in ascending PK order and make up the initial chain of a freshly
// imported or freshly materialized table.
func (m *Manager) RecordTableAsBase(ctx context.Context, namespace string, schema sgtypes.TableSchema, rows []sgtypes.Row) ([]sgtypes.Object, error) {
	ctx, span := telemetry.StartSpan(ctx, "fragment.record_table_as_base")
	defer func() { telemetry.EndSpan(span, nil) }()

	sortRowsByPK(schema, rows)

	var objs []sgtypes.Object
	for start := 0; start < len(rows); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		segment := rows[start:end]

		obj := sgtypes.Object{
			ObjectID:  contentHash(schema, sgtypes.FormatBase, segment, nil),
			Format:    sgtypes.FormatBase,
			Namespace: namespace,
			Index:     buildIndex(schema, segment),
		}
		if err := m.store.CreatePayloadTable(ctx, obj.ObjectID, schema, sgtypes.FormatBase); err != nil {
			return nil, err
		}
		if len(segment) > 0 {
			if _, err := m.store.WriteRows(ctx, obj.ObjectID, schema, segment, nil); err != nil {
				return nil, err
			}
		}
		objs = append(objs, obj)
	}

	if err := m.store.RegisterObjects(ctx, objs); err != nil {
		return nil, err
	}
	return objs, nil
}

// RecordTableAsPatch conflates pending changes into a single PATCH
// fragment, applying last-writer-wins per PK (spec.md §4.3: "insert then
// delete of the same PK cancels out; update then delete is a delete;
// delete then insert of the same PK is an update"). The returned object's
// parent is parentChain's last (innermost) object, matching the checkout
// chain a PATCH always extends. Use RecordTableAsPatchSplit instead when
// split_changeset is requested.
func (m *Manager) RecordTableAsPatch(ctx context.Context, namespace string, schema sgtypes.TableSchema, parentChain []sgtypes.Hash, changes []sgtypes.PendingChange) (*sgtypes.Object, error) {
	ctx, span := telemetry.StartSpan(ctx, "fragment.record_table_as_patch")
	defer func() { telemetry.EndSpan(span, nil) }()

	conflated := Conflate(changes)
	if len(conflated) == 0 {
		return nil, nil
	}

	rows, deleted := conflatedToRows(schema, conflated)
	sortPatchRowsByPK(schema, rows, deleted)

	var parent sgtypes.Hash
	if len(parentChain) > 0 {
		parent = parentChain[len(parentChain)-1]
	}

	obj, err := m.writePatchObject(ctx, namespace, schema, rows, deleted, parent)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// RecordTableAsPatchSplit implements split_changeset=true (spec.md §4.3):
// conflated changes are partitioned by the PK ranges of the table's
// existing chunks (the fragments in chain, each carrying a PK index),
// plus a residual range for PKs outside any chunk. One PATCH is emitted
// per non-empty chunk partition, parented to that chunk; the residual
// partition (if non-empty) becomes a new BASE fragment with no parent,
// since it covers PKs no existing chunk claims.
//
// Open question (a) from spec.md §9 — overlapping historical chunk
// ranges — is resolved here by picking, for each changed PK, the chunk
// whose PK range contains it with the lowest minimum bound (a total
// order by min-PK, with ties broken by chain position).
func (m *Manager) RecordTableAsPatchSplit(ctx context.Context, namespace string, schema sgtypes.TableSchema, chain []sgtypes.Object, changes []sgtypes.PendingChange) ([]sgtypes.Object, error) {
	ctx, span := telemetry.StartSpan(ctx, "fragment.record_table_as_patch_split")
	defer func() { telemetry.EndSpan(span, nil) }()

	conflated := Conflate(changes)
	if len(conflated) == 0 {
		return nil, nil
	}

	chunks := chunkRanges(chain)
	partitions := make(map[int][]conflatedChange) // chunk index -> changes, -1 = residual
	for _, c := range conflated {
		pk := firstPKString(schema, c)
		idx := assignChunk(chunks, pk)
		partitions[idx] = append(partitions[idx], c)
	}

	var out []sgtypes.Object
	for idx, part := range partitions {
		rows, deleted := conflatedToRows(schema, part)
		sortPatchRowsByPK(schema, rows, deleted)

		if idx < 0 {
			// Residual: PKs outside every existing chunk become a new
			// BASE covering just their own range.
			liveRows := make([]sgtypes.Row, 0, len(rows))
			for i, d := range deleted {
				if !d {
					liveRows = append(liveRows, rows[i])
				}
			}
			if len(liveRows) == 0 {
				continue
			}
			sortRowsByPK(schema, liveRows)
			obj := sgtypes.Object{
				ObjectID:  contentHash(schema, sgtypes.FormatBase, liveRows, nil),
				Format:    sgtypes.FormatBase,
				Namespace: namespace,
				Index:     buildIndex(schema, liveRows),
			}
			if err := m.store.CreatePayloadTable(ctx, obj.ObjectID, schema, sgtypes.FormatBase); err != nil {
				return nil, err
			}
			if _, err := m.store.WriteRows(ctx, obj.ObjectID, schema, liveRows, nil); err != nil {
				return nil, err
			}
			if err := m.store.RegisterObjects(ctx, []sgtypes.Object{obj}); err != nil {
				return nil, err
			}
			out = append(out, obj)
			continue
		}

		obj, err := m.writePatchObject(ctx, namespace, schema, rows, deleted, chunks[idx].tip)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			out = append(out, *obj)
		}
	}
	return out, nil
}

func (m *Manager) writePatchObject(ctx context.Context, namespace string, schema sgtypes.TableSchema, rows []sgtypes.Row, deleted []bool, parent sgtypes.Hash) (*sgtypes.Object, error) {
	obj := sgtypes.Object{
		ObjectID:  contentHash(schema, sgtypes.FormatPatch, rows, deleted),
		Format:    sgtypes.FormatPatch,
		Namespace: namespace,
		Index:     buildIndex(schema, rows),
	}
	if parent != "" {
		obj.ParentObjectIDs = []sgtypes.Hash{parent}
	}

	if err := m.store.CreatePayloadTable(ctx, obj.ObjectID, schema, sgtypes.FormatPatch); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if _, err := m.store.WriteRows(ctx, obj.ObjectID, schema, rows, deleted); err != nil {
			return nil, err
		}
	}
	if err := m.store.RegisterObjects(ctx, []sgtypes.Object{obj}); err != nil {
		return nil, err
	}
	return &obj, nil
}

// conflatedToRows flattens conflated changes into parallel row/deleted
// slices. A deleted row keeps its PK columns populated (from the
// captured PK tuple) so the tombstone can still match and exclude the
// corresponding BASE row at materialization time; non-PK columns are
// left unset since they no longer matter once the row is gone.
func conflatedToRows(schema sgtypes.TableSchema, conflated []conflatedChange) ([]sgtypes.Row, []bool) {
	rows := make([]sgtypes.Row, 0, len(conflated))
	deleted := make([]bool, 0, len(conflated))
	pk := schema.PKColumns()
	for _, c := range conflated {
		row := c.row
		if c.kind == sgtypes.ChangeDelete {
			row = sgtypes.Row{}
			for i, col := range pk {
				if i < len(c.pk) {
					row[col.Name] = c.pk[i]
				}
			}
		}
		rows = append(rows, row)
		deleted = append(deleted, c.kind == sgtypes.ChangeDelete)
	}
	return rows, deleted
}

// chunkRange is one existing chunk's PK bounds and chain tip (the object
// a new PATCH targeting it must be parented to).
type chunkRange struct {
	min, max string
	tip      sgtypes.Hash
}

func chunkRanges(chain []sgtypes.Object) []chunkRange {
	out := make([]chunkRange, 0, len(chain))
	for _, obj := range chain {
		min, max, ok := obj.Index.PKRange()
		if !ok {
			continue
		}
		out = append(out, chunkRange{min: min, max: max, tip: obj.ObjectID})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].min < out[j].min })
	return out
}

// assignChunk returns the index into chunks whose range contains pk, or
// -1 if no chunk claims it (the residual partition).
func assignChunk(chunks []chunkRange, pk string) int {
	for i, c := range chunks {
		if pk >= c.min && pk <= c.max {
			return i
		}
	}
	return -1
}

func firstPKString(schema sgtypes.TableSchema, c conflatedChange) string {
	if len(c.pk) == 0 {
		return ""
	}
	return c.pk[0]
}

// conflatedChange is one PK's final outcome after applying last-writer-
// wins across a table's pending change stream. pk is retained even for
// deletes (whose row is nil) so split_changeset can still place the
// change into the right chunk partition.
type conflatedChange struct {
	kind sgtypes.ChangeKind
	row  sgtypes.Row
	pk   []string
}

// Conflate reduces an ordered list of pending changes (as returned by the
// Audit Facade's GetPendingChanges, in capture order) to one outcome per
// primary key, applying spec.md §4.3's insert/update/delete cancellation
// rules. A PK with no net effect (insert then delete) is dropped entirely.
func Conflate(changes []sgtypes.PendingChange) []conflatedChange {
	order := make([]string, 0, len(changes))
	listed := map[string]bool{}
	byKey := map[string]*conflatedChange{}
	firstKind := map[string]sgtypes.ChangeKind{}

	for _, c := range changes {
		key := pkKey(c.PKValues)
		prior, seen := byKey[key]

		switch {
		case !seen:
			if !listed[key] {
				order = append(order, key)
				listed[key] = true
			}
			kind := c.Kind
			byKey[key] = &conflatedChange{kind: kind, row: c.NewRow, pk: c.PKValues}
			firstKind[key] = kind

		case prior.kind != sgtypes.ChangeDelete && c.Kind == sgtypes.ChangeDelete:
			if firstKind[key] == sgtypes.ChangeInsert {
				// net zero: never existed before this transaction and is
				// gone again, drop the PK entirely.
				delete(byKey, key)
			} else {
				prior.kind = sgtypes.ChangeDelete
				prior.row = nil
			}

		case prior.kind == sgtypes.ChangeDelete && c.Kind == sgtypes.ChangeInsert:
			prior.kind = sgtypes.ChangeUpdate
			prior.row = c.NewRow

		default:
			prior.row = c.NewRow
			if prior.kind != sgtypes.ChangeInsert {
				prior.kind = sgtypes.ChangeUpdate
			}
		}
	}

	out := make([]conflatedChange, 0, len(order))
	for _, key := range order {
		if c, ok := byKey[key]; ok {
			out = append(out, *c)
		}
	}
	return out
}

func pkKey(pk []string) string {
	out := ""
	for i, v := range pk {
		if i > 0 {
			out += "\x00"
		}
		out += v
	}
	return out
}

func contentHash(schema sgtypes.TableSchema, format sgtypes.ObjectFormat, rows []sgtypes.Row, deleted []bool) sgtypes.Hash {
	parts := []string{string(format)}
	for _, c := range schema {
		parts = append(parts, c.Name, c.PGType)
	}
	for i, row := range rows {
		for _, c := range schema {
			parts = append(parts, colString(row[c.Name]))
		}
		if deleted != nil {
			parts = append(parts, boolString(deleted[i]))
		}
	}
	return sgtypes.HashHex(parts...)
}

func colString(v any) string {
	if v == nil {
		return "\x01NULL"
	}
	return toStringAny(v)
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func buildIndex(schema sgtypes.TableSchema, rows []sgtypes.Row) sgtypes.ObjectIndex {
	var idx sgtypes.ObjectIndex
	for _, c := range schema.PKColumns() {
		min, max, ok := columnRange(rows, c.Name)
		if !ok {
			continue
		}
		idx.PK = append(idx.PK, sgtypes.ColumnIndex{Column: c.Name, Min: min, Max: max})
	}
	return idx
}

func columnRange(rows []sgtypes.Row, col string) (min, max string, ok bool) {
	if len(rows) == 0 {
		return "", "", false
	}
	min = toStringAny(rows[0][col])
	max = min
	for _, r := range rows[1:] {
		v := toStringAny(r[col])
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, true
}

func sortRowsByPK(schema sgtypes.TableSchema, rows []sgtypes.Row) {
	pk := schema.PKColumns()
	sort.SliceStable(rows, func(i, j int) bool {
		return pkLess(pk, rows[i], rows[j])
	})
}

func sortPatchRowsByPK(schema sgtypes.TableSchema, rows []sgtypes.Row, deleted []bool) {
	pk := schema.PKColumns()
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return pkLess(pk, rows[idx[i]], rows[idx[j]])
	})
	sortedRows := make([]sgtypes.Row, len(rows))
	sortedDel := make([]bool, len(deleted))
	for newPos, oldPos := range idx {
		sortedRows[newPos] = rows[oldPos]
		sortedDel[newPos] = deleted[oldPos]
	}
	copy(rows, sortedRows)
	copy(deleted, sortedDel)
}

func pkLess(pk []sgtypes.Column, a, b sgtypes.Row) bool {
	for _, c := range pk {
		va, vb := toStringAny(a[c.Name]), toStringAny(b[c.Name])
		if va != vb {
			return va < vb
		}
	}
	return false
}

func toStringAny(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
