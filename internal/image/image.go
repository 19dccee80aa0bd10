// Package image implements the Image Manager (spec.md §4.4): the DAG of
// immutable images for a repository, its tags (including the reserved
// mutable HEAD), and per-image table descriptor lookup.
package image

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// Manager owns the images and tags tables in the META schema.
type Manager struct {
	store *objstore.Store
}

// New builds a Manager over an already-opened object store.
func New(store *objstore.Store) *Manager {
	return &Manager{store: store}
}

// Init creates a repository's root image (the distinguished ZeroHash)
// and points HEAD at it, if not already present — spec.md's S1 scenario.
func (m *Manager) Init(ctx context.Context, repo sgtypes.RepoRef) error {
	ctx, span := telemetry.StartSpan(ctx, "image.init", telemetry.RepoAttrs(repo.Namespace, repo.Repository)...)
	defer func() { telemetry.EndSpan(span, nil) }()

	head, err := m.ByTag(ctx, repo, sgtypes.HeadTag, false)
	if err != nil {
		return err
	}
	if head != nil {
		return nil
	}

	root := sgtypes.Image{
		Namespace:      repo.Namespace,
		Repository:     repo.Repository,
		ImageHash:      sgtypes.ZeroHash,
		Created:        time.Now().UTC(),
		ProvenanceType: sgtypes.ProvenanceCommit,
	}
	if err := m.Add(ctx, &root); err != nil {
		return err
	}
	return m.Tag(ctx, repo, sgtypes.ZeroHash, sgtypes.HeadTag)
}

// Add registers a new image, enforcing the acyclic invariant: its parent
// (if any) must already exist (spec.md §9: "validate acyclicity at
// register time rather than relying on callers").
func (m *Manager) Add(ctx context.Context, img *sgtypes.Image) error {
	ctx, span := telemetry.StartSpan(ctx, "image.add", telemetry.RepoAttrs(img.Namespace, img.Repository)...)
	defer func() { telemetry.EndSpan(span, nil) }()

	if img.ImageHash != sgtypes.ZeroHash {
		if img.ParentID == nil {
			return sgerrors.Integrityf("image %s has no parent but is not the root image", img.ImageHash)
		}
		if _, err := m.ByHash(ctx, sgtypes.RepoRef{Namespace: img.Namespace, Repository: img.Repository}, *img.ParentID); err != nil {
			return sgerrors.Integrityf("image %s: parent %s not registered: %v", img.ImageHash, *img.ParentID, err)
		}
	}

	var parentStr any
	if img.ParentID != nil {
		parentStr = string(*img.ParentID)
	}
	_, err := m.store.Pool().Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.images (namespace, repository, image_hash, parent_id, created, comment, provenance_type, provenance_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (namespace, repository, image_hash) DO NOTHING`, objstore.MetaSchema),
		img.Namespace, img.Repository, string(img.ImageHash), parentStr, img.Created, img.Comment,
		string(img.ProvenanceType), img.ProvenanceData)
	return err
}

// ByHash fetches a single image by its full hash.
func (m *Manager) ByHash(ctx context.Context, repo sgtypes.RepoRef, hash sgtypes.Hash) (*sgtypes.Image, error) {
	row := m.store.Pool().QueryRow(ctx, fmt.Sprintf(`
		SELECT namespace, repository, image_hash, parent_id, created, comment, provenance_type, provenance_data
		FROM %s.images WHERE namespace = $1 AND repository = $2 AND image_hash = $3`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, string(hash))
	return scanImage(row)
}

// ByTag resolves a tag to its image. If raiseOnNone is false, a missing
// tag returns (nil, nil) instead of an error — used by commit's "first
// commit has no parent" path.
func (m *Manager) ByTag(ctx context.Context, repo sgtypes.RepoRef, tag string, raiseOnNone bool) (*sgtypes.Image, error) {
	row := m.store.Pool().QueryRow(ctx, fmt.Sprintf(`
		SELECT image_hash FROM %s.tags WHERE namespace = $1 AND repository = $2 AND tag = $3`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, tag)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == pgx.ErrNoRows {
			if raiseOnNone {
				return nil, sgerrors.NotFoundf("tag %q not found in %s", tag, repo)
			}
			return nil, nil
		}
		return nil, err
	}
	return m.ByHash(ctx, repo, sgtypes.Hash(hash))
}

// Tag points name at image (spec.md §4.4). HEAD is the only tag allowed
// to be repointed in place; any other tag name must be unused.
func (m *Manager) Tag(ctx context.Context, repo sgtypes.RepoRef, imageHash sgtypes.Hash, name string) error {
	ctx, span := telemetry.StartSpan(ctx, "image.tag", telemetry.RepoAttrs(repo.Namespace, repo.Repository)...)
	defer func() { telemetry.EndSpan(span, nil) }()

	if name != sgtypes.HeadTag {
		existing, err := m.ByTag(ctx, repo, name, false)
		if err != nil {
			return err
		}
		if existing != nil {
			return sgerrors.Clashf("tag %q already exists on %s", name, repo)
		}
	}

	_, err := m.store.Pool().Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.tags (namespace, repository, image_hash, tag)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (namespace, repository, tag) DO UPDATE SET image_hash = EXCLUDED.image_hash`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, string(imageHash), name)
	return err
}

// DeleteTag removes a tag. Deleting HEAD is refused — a repository
// always has a checked-out image.
func (m *Manager) DeleteTag(ctx context.Context, repo sgtypes.RepoRef, name string) error {
	if name == sgtypes.HeadTag {
		return sgerrors.InvalidArgumentf("cannot delete the HEAD tag")
	}
	_, err := m.store.Pool().Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.tags WHERE namespace = $1 AND repository = $2 AND tag = $3`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, name)
	return err
}

// DeregisterImages undoes Add for a batch of images, deleting any tags
// that came to point at them first (images.parent_id has no FK, but a
// tag left pointing at a deleted image would resolve to nothing). HEAD
// is never among the tags a sync writes (TagsForImages callers filter
// it out), so it is never touched here. Used by the Sync Engine to
// compensate a partially-applied sync (spec.md §4.8 step 7).
func (m *Manager) DeregisterImages(ctx context.Context, repo sgtypes.RepoRef, hashes []sgtypes.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	ids := make([]string, len(hashes))
	for i, h := range hashes {
		ids[i] = string(h)
	}
	if _, err := m.store.Pool().Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.tags WHERE namespace = $1 AND repository = $2 AND tag != $3 AND image_hash = ANY($4)`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, sgtypes.HeadTag, ids); err != nil {
		return err
	}
	_, err := m.store.Pool().Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s.images WHERE namespace = $1 AND repository = $2 AND image_hash = ANY($3)`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, ids)
	return err
}

// GetTables returns every table descriptor registered under an image.
func (m *Manager) GetTables(ctx context.Context, repo sgtypes.RepoRef, imageHash sgtypes.Hash) ([]sgtypes.TableDescriptor, error) {
	rows, err := m.store.Pool().Query(ctx, fmt.Sprintf(`
		SELECT table_name, table_schema, object_ids FROM %s.tables
		WHERE namespace = $1 AND repository = $2 AND image_hash = $3`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, string(imageHash))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sgtypes.TableDescriptor
	for rows.Next() {
		var name string
		var schemaRaw []byte
		var objectIDs []string
		if err := rows.Scan(&name, &schemaRaw, &objectIDs); err != nil {
			return nil, err
		}
		var schema sgtypes.TableSchema
		if err := json.Unmarshal(schemaRaw, &schema); err != nil {
			return nil, err
		}
		out = append(out, sgtypes.TableDescriptor{
			ImageHash: imageHash,
			TableName: name,
			Schema:    schema,
			ObjectIDs: hashSlice(objectIDs),
		})
	}
	return out, rows.Err()
}

// GetTable returns a single table's descriptor, or NotFound.
func (m *Manager) GetTable(ctx context.Context, repo sgtypes.RepoRef, imageHash sgtypes.Hash, tableName string) (*sgtypes.TableDescriptor, error) {
	row := m.store.Pool().QueryRow(ctx, fmt.Sprintf(`
		SELECT table_schema, object_ids FROM %s.tables
		WHERE namespace = $1 AND repository = $2 AND image_hash = $3 AND table_name = $4`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, string(imageHash), tableName)
	var schemaRaw []byte
	var objectIDs []string
	if err := row.Scan(&schemaRaw, &objectIDs); err != nil {
		if err == pgx.ErrNoRows {
			return nil, sgerrors.NotFoundf("table %q not found in image %s", tableName, imageHash)
		}
		return nil, err
	}
	var schema sgtypes.TableSchema
	if err := json.Unmarshal(schemaRaw, &schema); err != nil {
		return nil, err
	}
	return &sgtypes.TableDescriptor{ImageHash: imageHash, TableName: tableName, Schema: schema, ObjectIDs: hashSlice(objectIDs)}, nil
}

// TagsForImages returns every tag (HEAD included) pointing at one of the
// given image hashes, used by the Sync Engine to replicate tags after
// transferring the images they point to.
func (m *Manager) TagsForImages(ctx context.Context, repo sgtypes.RepoRef, hashes []sgtypes.Hash) ([]sgtypes.Tag, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hashes))
	for i, h := range hashes {
		ids[i] = string(h)
	}
	rows, err := m.store.Pool().Query(ctx, fmt.Sprintf(`
		SELECT namespace, repository, tag, image_hash FROM %s.tags
		WHERE namespace = $1 AND repository = $2 AND image_hash = ANY($3)`, objstore.MetaSchema),
		repo.Namespace, repo.Repository, ids)
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

// Publish writes a readme alongside an existing tag's image, stored in
// provenance_data (SPEC_FULL.md §4 supplement: the distilled spec names
// the `publish` verb without defining its operation).
func (m *Manager) Publish(ctx context.Context, repo sgtypes.RepoRef, tag string, readme string) error {
	img, err := m.ByTag(ctx, repo, tag, true)
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"readme": readme})
	if err != nil {
		return err
	}
	_, err = m.store.Pool().Exec(ctx, fmt.Sprintf(`
		UPDATE %s.images SET provenance_data = $1
		WHERE namespace = $2 AND repository = $3 AND image_hash = $4`, objstore.MetaSchema),
		data, repo.Namespace, repo.Repository, string(img.ImageHash))
	return err
}

// NewImageHash mints a random 256-bit hex image identifier, used by
// commit() when the caller doesn't supply image_hash explicitly
// (spec.md §4.6 step 2).
func NewImageHash() sgtypes.Hash {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return sgtypes.Hash(fmt.Sprintf("%x", b))
}

func scanImage(row pgx.Row) (*sgtypes.Image, error) {
	var img sgtypes.Image
	var hash string
	var parent *string
	if err := row.Scan(&img.Namespace, &img.Repository, &hash, &parent, &img.Created, &img.Comment, &img.ProvenanceType, &img.ProvenanceData); err != nil {
		if err == pgx.ErrNoRows {
			return nil, sgerrors.NotFoundf("image not found")
		}
		return nil, err
	}
	img.ImageHash = sgtypes.Hash(hash)
	if parent != nil {
		h := sgtypes.Hash(*parent)
		img.ParentID = &h
	}
	return &img, nil
}

func hashSlice(ids []string) []sgtypes.Hash {
	out := make([]sgtypes.Hash, len(ids))
	for i, id := range ids {
		out[i] = sgtypes.Hash(id)
	}
	return out
}
