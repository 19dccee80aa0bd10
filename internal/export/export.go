// Package export implements the dump stream (spec.md §6, supplemented in
// SPEC_FULL.md §4 from original_source/splitgraph's Repository.dump): a
// linear SQL text stream a caller can replay against an empty METADATA
// schema to reconstruct a repository's images, objects, tables, tags
// and (unless excluded) object payloads.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgtypes"
)

// Exporter produces dump streams for repositories held in store.
type Exporter struct {
	store  *objstore.Store
	images *image.Manager
}

// New builds an Exporter.
func New(store *objstore.Store, images *image.Manager) *Exporter {
	return &Exporter{store: store, images: images}
}

// Dump writes repo's dump stream to w: five ordered sections, each
// preceded by a `-- <Section> --` header (spec.md §6). excludeContents
// skips the final, usually-largest "Object contents" section.
func (e *Exporter) Dump(ctx context.Context, w io.Writer, repo sgtypes.RepoRef, excludeContents bool) error {
	imgs, err := e.allImages(ctx, repo)
	if err != nil {
		return fmt.Errorf("export: list images: %w", err)
	}
	tables, err := e.allTables(ctx, repo)
	if err != nil {
		return fmt.Errorf("export: list tables: %w", err)
	}
	tags, err := e.allTags(ctx, repo)
	if err != nil {
		return fmt.Errorf("export: list tags: %w", err)
	}

	objectIDs := referencedObjects(tables)
	objs, err := e.store.GetObjects(ctx, objectIDs)
	if err != nil {
		return fmt.Errorf("export: load objects: %w", err)
	}
	locs, err := e.store.ObjectLocations(ctx, objectIDs)
	if err != nil {
		return fmt.Errorf("export: load object locations: %w", err)
	}

	if err := section(w, "Images", func() error { return dumpImages(w, imgs) }); err != nil {
		return err
	}
	if err := section(w, "Objects", func() error { return dumpObjects(w, objectIDs, objs, locs) }); err != nil {
		return err
	}
	if err := section(w, "Tables", func() error { return dumpTables(w, repo, tables) }); err != nil {
		return err
	}
	if err := section(w, "Tags", func() error { return dumpTags(w, tags) }); err != nil {
		return err
	}
	if !excludeContents {
		if err := section(w, "Object contents", func() error {
			return e.dumpObjectContents(ctx, w, objectIDs, objs, tables)
		}); err != nil {
			return err
		}
	}
	return nil
}

func section(w io.Writer, title string, body func() error) error {
	if _, err := fmt.Fprintf(w, "-- %s --\n", title); err != nil {
		return err
	}
	return body()
}

// allImages returns every image row for repo, oldest first, following
// the original's dump ordering so a replay never references a parent
// before it's inserted.
func (e *Exporter) allImages(ctx context.Context, repo sgtypes.RepoRef) ([]sgtypes.Image, error) {
	rows, err := e.store.Pool().Query(ctx, fmt.Sprintf(`
		SELECT namespace, repository, image_hash, parent_id, created, comment, provenance_type, provenance_data
		FROM %s.images WHERE namespace = $1 AND repository = $2 ORDER BY created`, objstore.MetaSchema),
		repo.Namespace, repo.Repository)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sgtypes.Image
	for rows.Next() {
		var img sgtypes.Image
		var hash string
		var parent *string
		if err := rows.Scan(&img.Namespace, &img.Repository, &hash, &parent, &img.Created, &img.Comment, &img.ProvenanceType, &img.ProvenanceData); err != nil {
			return nil, err
		}
		img.ImageHash = sgtypes.Hash(hash)
		if parent != nil {
			h := sgtypes.Hash(*parent)
			img.ParentID = &h
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// allTables returns every table descriptor registered for repo, across
// every image — the dump format's "Tables" section is not scoped to a
// single image.
func (e *Exporter) allTables(ctx context.Context, repo sgtypes.RepoRef) ([]sgtypes.TableDescriptor, error) {
	rows, err := e.store.Pool().Query(ctx, fmt.Sprintf(`
		SELECT image_hash, table_name, table_schema, object_ids FROM %s.tables
		WHERE namespace = $1 AND repository = $2`, objstore.MetaSchema),
		repo.Namespace, repo.Repository)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sgtypes.TableDescriptor
	for rows.Next() {
		var hash, name string
		var schemaRaw []byte
		var objectIDs []string
		if err := rows.Scan(&hash, &name, &schemaRaw, &objectIDs); err != nil {
			return nil, err
		}
		var schema sgtypes.TableSchema
		if err := json.Unmarshal(schemaRaw, &schema); err != nil {
			return nil, err
		}
		ids := make([]sgtypes.Hash, len(objectIDs))
		for i, id := range objectIDs {
			ids[i] = sgtypes.Hash(id)
		}
		out = append(out, sgtypes.TableDescriptor{ImageHash: sgtypes.Hash(hash), TableName: name, Schema: schema, ObjectIDs: ids})
	}
	return out, rows.Err()
}

// allTags returns every tag for repo except HEAD (spec.md §6 step 4:
// HEAD is a local pointer, not part of the portable dump).
func (e *Exporter) allTags(ctx context.Context, repo sgtypes.RepoRef) ([]sgtypes.Tag, error) {
	rows, err := e.store.Pool().Query(ctx, fmt.Sprintf(`
		SELECT namespace, repository, tag, image_hash FROM %s.tags
		WHERE namespace = $1 AND repository = $2 AND tag != $3`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, sgtypes.HeadTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sgtypes.Tag
	for rows.Next() {
		var t sgtypes.Tag
		var hash string
		if err := rows.Scan(&t.Namespace, &t.Repository, &t.Tag, &hash); err != nil {
			return nil, err
		}
		t.ImageHash = sgtypes.Hash(hash)
		out = append(out, t)
	}
	return out, rows.Err()
}

// referencedObjects returns the deduplicated, deterministically ordered
// set of object ids transitively referenced by tables' descriptors
// (spec.md §6 step 2: "restricted to the objects transitively referenced
// by the repository's table descriptors").
func referencedObjects(tables []sgtypes.TableDescriptor) []sgtypes.Hash {
	seen := map[sgtypes.Hash]bool{}
	var out []sgtypes.Hash
	for _, t := range tables {
		for _, id := range t.ObjectIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dumpImages(w io.Writer, imgs []sgtypes.Image) error {
	for _, img := range imgs {
		var parent string
		if img.ParentID != nil {
			parent = sqlString(string(*img.ParentID))
		} else {
			parent = "NULL"
		}
		_, err := fmt.Fprintf(w, "INSERT INTO %s.images (namespace, repository, image_hash, parent_id, created, comment, provenance_type, provenance_data) VALUES (%s, %s, %s, %s, %s, %s, %s, %s);\n",
			objstore.MetaSchema,
			sqlString(img.Namespace), sqlString(img.Repository), sqlString(string(img.ImageHash)), parent,
			sqlTimestamp(img.Created), sqlString(img.Comment), sqlString(string(img.ProvenanceType)), sqlBytes(img.ProvenanceData))
		if err != nil {
			return err
		}
	}
	return nil
}

func dumpObjects(w io.Writer, ids []sgtypes.Hash, objs map[sgtypes.Hash]sgtypes.Object, locs map[sgtypes.Hash]sgtypes.ObjectLocation) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "DELETE FROM %s.objects WHERE object_id IN (%s);\n", objstore.MetaSchema, sqlHashList(ids)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "DELETE FROM %s.object_locations WHERE object_id IN (%s);\n", objstore.MetaSchema, sqlHashList(ids)); err != nil {
		return err
	}
	for _, id := range ids {
		o := objs[id]
		if _, err := fmt.Fprintf(w, "INSERT INTO %s.objects (object_id, format, parent_object_ids, namespace, index) VALUES (%s, %s, %s, %s, %s);\n",
			objstore.MetaSchema, sqlString(string(o.ObjectID)), sqlString(string(o.Format)), sqlHashArray(o.ParentObjectIDs), sqlString(o.Namespace), sqlIndex(o.Index)); err != nil {
			return err
		}
	}
	for _, id := range ids {
		l, ok := locs[id]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s.object_locations (object_id, protocol, location) VALUES (%s, %s, %s);\n",
			objstore.MetaSchema, sqlString(string(l.ObjectID)), sqlString(l.Protocol), sqlString(l.URL)); err != nil {
			return err
		}
	}
	return nil
}

func dumpTables(w io.Writer, repo sgtypes.RepoRef, tables []sgtypes.TableDescriptor) error {
	for _, t := range tables {
		schemaJSON, err := json.Marshal(t.Schema)
		if err != nil {
			return err
		}
		ids := make([]string, len(t.ObjectIDs))
		for i, id := range t.ObjectIDs {
			ids[i] = string(id)
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s.tables (namespace, repository, image_hash, table_name, table_schema, object_ids) VALUES (%s, %s, %s, %s, %s, %s);\n",
			objstore.MetaSchema, sqlString(repo.Namespace), sqlString(repo.Repository), sqlString(string(t.ImageHash)), sqlString(t.TableName), sqlBytes(schemaJSON), sqlStringArray(ids)); err != nil {
			return err
		}
	}
	return nil
}

func dumpTags(w io.Writer, tags []sgtypes.Tag) error {
	for _, t := range tags {
		if _, err := fmt.Fprintf(w, "INSERT INTO %s.tags (namespace, repository, image_hash, tag) VALUES (%s, %s, %s, %s);\n",
			objstore.MetaSchema, sqlString(t.Namespace), sqlString(t.Repository), sqlString(string(t.ImageHash)), sqlString(t.Tag)); err != nil {
			return err
		}
	}
	return nil
}

// dumpObjectContents emits, for every referenced object, the original
// implementation's "DROP FOREIGN TABLE IF EXISTS" framing (spec.md §6
// step 5), naming the object's payload table as
// <MetaSchema>.o_<object_id>, followed by enough DDL and DML to recreate
// and repopulate that payload table.
func (e *Exporter) dumpObjectContents(ctx context.Context, w io.Writer, ids []sgtypes.Hash, objs map[sgtypes.Hash]sgtypes.Object, tables []sgtypes.TableDescriptor) error {
	schemaFor := schemaByObject(tables)
	for _, id := range ids {
		o, ok := objs[id]
		if !ok {
			continue
		}
		schema, ok := schemaFor[id]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "DROP FOREIGN TABLE IF EXISTS %s.%s;\n", objstore.MetaSchema, "o_"+string(id)); err != nil {
			return err
		}
		if err := e.dumpPayload(ctx, w, id, schema, o.Format); err != nil {
			return err
		}
	}
	return nil
}

// schemaByObject maps each referenced object id to the schema of any
// table descriptor that references it — every table sharing an object
// shares its column layout, so the first match is sufficient.
func schemaByObject(tables []sgtypes.TableDescriptor) map[sgtypes.Hash]sgtypes.TableSchema {
	out := map[sgtypes.Hash]sgtypes.TableSchema{}
	for _, t := range tables {
		for _, id := range t.ObjectIDs {
			if _, ok := out[id]; !ok {
				out[id] = t.Schema
			}
		}
	}
	return out
}

func (e *Exporter) dumpPayload(ctx context.Context, w io.Writer, id sgtypes.Hash, schema sgtypes.TableSchema, format sgtypes.ObjectFormat) error {
	rows, deleted, err := e.store.ReadRows(ctx, id, schema, format)
	if err != nil {
		return fmt.Errorf("export: read payload %s: %w", id, err)
	}

	var cols []string
	for _, c := range schema {
		cols = append(cols, fmt.Sprintf("%q %s", c.Name, c.PGType))
	}
	if format == sgtypes.FormatPatch {
		cols = append(cols, `"sg_is_deleted" BOOLEAN NOT NULL DEFAULT FALSE`)
	}
	if _, err := fmt.Fprintf(w, "CREATE TABLE IF NOT EXISTS %s.%s (%s);\n", objstore.MetaSchema, "o_"+string(id), joinComma(cols)); err != nil {
		return err
	}

	colNames := make([]string, len(schema))
	for i, c := range schema {
		colNames[i] = fmt.Sprintf("%q", c.Name)
	}
	if format == sgtypes.FormatPatch {
		colNames = append(colNames, `"sg_is_deleted"`)
	}
	for i, row := range rows {
		vals := make([]string, len(schema))
		for j, c := range schema {
			vals[j] = sqlLiteral(row[c.Name])
		}
		if format == sgtypes.FormatPatch {
			vals = append(vals, sqlBool(deleted[i]))
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s.%s (%s) VALUES (%s);\n", objstore.MetaSchema, "o_"+string(id), joinComma(colNames), joinComma(vals)); err != nil {
			return err
		}
	}
	return nil
}
