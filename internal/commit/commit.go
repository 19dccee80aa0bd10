// Package commit implements the Commit Engine (spec.md §4.6): orchestrates
// the Audit Facade, Fragment Manager, Object Store and Image Manager to
// turn a working schema's current state into a new immutable image, and
// import_tables for cross-repository table import.
package commit

import (
	"context"
	"fmt"

	"github.com/trase/splitgraph/internal/audit"
	"github.com/trase/splitgraph/internal/checkout"
	"github.com/trase/splitgraph/internal/fragment"
	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/pglock"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// Engine wires together the components a commit or import needs.
type Engine struct {
	store    *objstore.Store
	images   *image.Manager
	frags    *fragment.Manager
	auditLog *audit.Facade
	mat      *checkout.Materializer
}

// New builds a commit Engine.
func New(store *objstore.Store, images *image.Manager, frags *fragment.Manager, auditLog *audit.Facade, mat *checkout.Materializer) *Engine {
	return &Engine{store: store, images: images, frags: frags, auditLog: auditLog, mat: mat}
}

// Options controls one commit call, mirroring spec.md §4.6's parameter
// list. ImageHash, Comment and ChunkSize default when zero.
type Options struct {
	ImageHash      sgtypes.Hash
	Comment        string
	SnapOnly       bool
	ChunkSize      int
	SplitChangeset bool
}

// Commit flushes pending changes in repo's working schema into a new
// image, following spec.md §4.6 steps 1-6. On any failure after the new
// image is registered, the caller's transaction (the pool connection
// backing store, images, frags and auditLog) must be rolled back by the
// surrounding request handler — Engine issues no explicit BEGIN/COMMIT of
// its own since every write here already goes through the same pool.
func (e *Engine) Commit(ctx context.Context, repo sgtypes.RepoRef, opts Options) (*sgtypes.Image, error) {
	ctx, span := telemetry.StartSpan(ctx, "commit.commit", telemetry.RepoAttrs(repo.Namespace, repo.Repository)...)
	var commitErr error
	defer func() { telemetry.EndSpan(span, commitErr) }()

	lock, err := pglock.Acquire(ctx, e.store.Pool(), repo.Namespace, repo.Repository, e.store.Metrics(), e.store.Log())
	if err != nil {
		commitErr = err
		return nil, err
	}
	defer lock.Release(ctx)

	// Step 1: flush audit state (no-op here; triggers are maintained by
	// checkout, this just ensures the working schema's changed-table set
	// is current before we read it).
	changedTables, err := e.auditLog.GetChangedTables(ctx, repo)
	if err != nil {
		commitErr = err
		return nil, err
	}

	// Step 2: determine parent and image hash.
	parent, err := e.images.ByTag(ctx, repo, sgtypes.HeadTag, false)
	if err != nil {
		commitErr = err
		return nil, err
	}
	imageHash := opts.ImageHash
	if imageHash == "" {
		imageHash = image.NewImageHash()
	}
	var parentHash *sgtypes.Hash
	if parent != nil {
		h := parent.ImageHash
		parentHash = &h
	}

	workingSchema := repo.Schema()
	workingTables, err := listTables(ctx, e.store, workingSchema)
	if err != nil {
		commitErr = err
		return nil, err
	}
	if parent == nil && len(workingTables) == 0 {
		// S1: init + commit empty. Nothing to snapshot, but an empty
		// image is still a legitimate commit.
	}

	frags := e.frags
	if opts.ChunkSize > 0 || frags == nil {
		frags = fragment.New(e.store, opts.ChunkSize)
	}

	changed := map[string]bool{}
	for _, t := range changedTables {
		changed[t] = true
	}

	var parentTables map[string]sgtypes.TableDescriptor
	if parent != nil {
		parentTables = map[string]sgtypes.TableDescriptor{}
		descs, err := e.images.GetTables(ctx, repo, parent.ImageHash)
		if err != nil {
			commitErr = err
			return nil, err
		}
		for _, d := range descs {
			parentTables[d.TableName] = d
		}
	}

	// Step 3: register the new image.
	newImg := sgtypes.Image{
		Namespace:      repo.Namespace,
		Repository:     repo.Repository,
		ImageHash:      imageHash,
		ParentID:       parentHash,
		Comment:        opts.Comment,
		ProvenanceType: sgtypes.ProvenanceCommit,
	}
	if err := e.images.Add(ctx, &newImg); err != nil {
		commitErr = err
		return nil, err
	}

	// Step 4: per-table base/patch/reuse decision.
	var descriptors []sgtypes.TableDescriptor
	for _, tableName := range workingTables {
		schema, err := inspectTableSchema(ctx, e.store, workingSchema, tableName)
		if err != nil {
			commitErr = err
			return nil, err
		}
		parentDesc, hadParent := parentTables[tableName]

		switch {
		case !hadParent || opts.SnapOnly || !schema.Equal(parentDesc.Schema):
			rows, err := readWorkingRows(ctx, e.store, workingSchema, tableName, schema)
			if err != nil {
				commitErr = err
				return nil, err
			}
			objs, err := frags.RecordTableAsBase(ctx, repo.Namespace, schema, rows)
			if err != nil {
				commitErr = err
				return nil, err
			}
			descriptors = append(descriptors, toDescriptor(imageHash, tableName, schema, objs))

		case changed[tableName]:
			pending, err := e.auditLog.GetPendingChanges(ctx, repo, tableName)
			if err != nil {
				commitErr = err
				return nil, err
			}
			if opts.SplitChangeset {
				chain, err := e.store.GetObjects(ctx, parentDesc.ObjectIDs)
				if err != nil {
					commitErr = err
					return nil, err
				}
				ordered, err := objstore.ResolveChain(chain, parentDesc.ObjectIDs)
				if err != nil {
					commitErr = err
					return nil, err
				}
				chainObjs := make([]sgtypes.Object, len(ordered))
				for i, id := range ordered {
					chainObjs[i] = chain[id]
				}
				newFrags, err := frags.RecordTableAsPatchSplit(ctx, repo.Namespace, schema, chainObjs, pending)
				if err != nil {
					commitErr = err
					return nil, err
				}
				objectIDs := append([]sgtypes.Hash{}, parentDesc.ObjectIDs...)
				for _, f := range newFrags {
					objectIDs = append(objectIDs, f.ObjectID)
				}
				descriptors = append(descriptors, sgtypes.TableDescriptor{ImageHash: imageHash, TableName: tableName, Schema: schema, ObjectIDs: objectIDs})
			} else {
				obj, err := frags.RecordTableAsPatch(ctx, repo.Namespace, schema, parentDesc.ObjectIDs, pending)
				if err != nil {
					commitErr = err
					return nil, err
				}
				objectIDs := parentDesc.ObjectIDs
				if obj != nil {
					objectIDs = append(append([]sgtypes.Hash{}, parentDesc.ObjectIDs...), obj.ObjectID)
				}
				descriptors = append(descriptors, sgtypes.TableDescriptor{ImageHash: imageHash, TableName: tableName, Schema: schema, ObjectIDs: objectIDs})
			}

		default:
			// Unchanged: reuse parent's object_ids verbatim.
			descriptors = append(descriptors, sgtypes.TableDescriptor{ImageHash: imageHash, TableName: tableName, Schema: parentDesc.Schema, ObjectIDs: parentDesc.ObjectIDs})
		}

		if err := e.auditLog.DiscardPendingChanges(ctx, repo, tableName); err != nil {
			commitErr = err
			return nil, err
		}
	}

	// Carry forward parent tables that weren't present in the working
	// schema at all (e.g. dropped capture but never actually removed).
	for name, desc := range parentTables {
		if !containsTable(workingTables, name) {
			descriptors = append(descriptors, sgtypes.TableDescriptor{ImageHash: imageHash, TableName: name, Schema: desc.Schema, ObjectIDs: desc.ObjectIDs})
		}
	}

	if err := e.store.RegisterTables(ctx, repo.Namespace, repo.Repository, descriptors); err != nil {
		commitErr = err
		return nil, err
	}

	// Step 6: atomically move HEAD.
	if err := e.images.Tag(ctx, repo, imageHash, sgtypes.HeadTag); err != nil {
		commitErr = err
		return nil, err
	}

	return &newImg, nil
}

func toDescriptor(imageHash sgtypes.Hash, tableName string, schema sgtypes.TableSchema, objs []sgtypes.Object) sgtypes.TableDescriptor {
	ids := make([]sgtypes.Hash, len(objs))
	for i, o := range objs {
		ids[i] = o.ObjectID
	}
	return sgtypes.TableDescriptor{ImageHash: imageHash, TableName: tableName, Schema: schema, ObjectIDs: ids}
}

func containsTable(tables []string, name string) bool {
	for _, t := range tables {
		if t == name {
			return true
		}
	}
	return false
}

// ImportOptions mirrors spec.md §4.6's import_tables parameter list.
type ImportOptions struct {
	Tables        []string
	SourceRepo    sgtypes.RepoRef
	SourceTables  []string
	ImageHash     sgtypes.Hash
	ForeignTables bool
	DoCheckout    bool
	TargetHash    sgtypes.Hash
	TableQueries  []bool
	ParentHash    *sgtypes.Hash
}

// ImportTables implements spec.md §4.6's import_tables: clash-checked,
// per-target base/query/reuse branching, with non-clashing parent tables
// carried forward into the new image.
func (e *Engine) ImportTables(ctx context.Context, targetRepo sgtypes.RepoRef, opts ImportOptions) (*sgtypes.Image, error) {
	ctx, span := telemetry.StartSpan(ctx, "commit.import_tables", telemetry.RepoAttrs(targetRepo.Namespace, targetRepo.Repository)...)
	var importErr error
	defer func() { telemetry.EndSpan(span, importErr) }()

	if len(opts.SourceTables) > 0 && len(opts.Tables) != len(opts.SourceTables) {
		importErr = sgerrors.InvalidArgumentf("import_tables: tables and source_tables must have equal length")
		return nil, importErr
	}

	var parent *sgtypes.Image
	var err error
	if opts.ParentHash != nil {
		parent, err = e.images.ByHash(ctx, targetRepo, *opts.ParentHash)
	} else {
		parent, err = e.images.ByTag(ctx, targetRepo, sgtypes.HeadTag, false)
	}
	if err != nil {
		importErr = err
		return nil, err
	}

	var parentTables map[string]sgtypes.TableDescriptor
	if parent != nil {
		parentTables = map[string]sgtypes.TableDescriptor{}
		descs, err := e.images.GetTables(ctx, targetRepo, parent.ImageHash)
		if err != nil {
			importErr = err
			return nil, err
		}
		for _, d := range descs {
			parentTables[d.TableName] = d
		}
		for _, t := range opts.Tables {
			if _, clash := parentTables[t]; clash {
				importErr = sgerrors.Clashf("import_tables: table %q already exists", t)
				return nil, importErr
			}
		}
	}

	targetHash := opts.TargetHash
	if targetHash == "" {
		targetHash = image.NewImageHash()
	}
	var parentHash *sgtypes.Hash
	if parent != nil {
		h := parent.ImageHash
		parentHash = &h
	}
	newImg := sgtypes.Image{
		Namespace:      targetRepo.Namespace,
		Repository:     targetRepo.Repository,
		ImageHash:      targetHash,
		ParentID:       parentHash,
		ProvenanceType: sgtypes.ProvenanceImport,
	}
	if err := e.images.Add(ctx, &newImg); err != nil {
		importErr = err
		return nil, err
	}

	var descriptors []sgtypes.TableDescriptor
	for i, targetName := range opts.Tables {
		sourceRef := opts.SourceTables[i]
		isQuery := i < len(opts.TableQueries) && opts.TableQueries[i]

		switch {
		case isQuery && !opts.ForeignTables:
			desc, err := e.importViaQuery(ctx, targetRepo, targetHash, targetName, sourceRef)
			if err != nil {
				importErr = err
				return nil, err
			}
			descriptors = append(descriptors, *desc)

		case opts.ForeignTables:
			desc, err := e.importViaCopy(ctx, targetRepo, opts.SourceRepo, targetHash, targetName, sourceRef)
			if err != nil {
				importErr = err
				return nil, err
			}
			descriptors = append(descriptors, *desc)

		default:
			srcDesc, err := e.images.GetTable(ctx, opts.SourceRepo, e.headOrZero(ctx, opts.SourceRepo), sourceRef)
			if err != nil {
				importErr = err
				return nil, err
			}
			descriptors = append(descriptors, sgtypes.TableDescriptor{
				ImageHash: targetHash, TableName: targetName, Schema: srcDesc.Schema, ObjectIDs: srcDesc.ObjectIDs,
			})
		}
	}

	for name, desc := range parentTables {
		if !containsTable(opts.Tables, name) {
			descriptors = append(descriptors, sgtypes.TableDescriptor{ImageHash: targetHash, TableName: name, Schema: desc.Schema, ObjectIDs: desc.ObjectIDs})
		}
	}

	if err := e.store.RegisterTables(ctx, targetRepo.Namespace, targetRepo.Repository, descriptors); err != nil {
		importErr = err
		return nil, err
	}

	if opts.DoCheckout {
		for _, desc := range descriptors {
			if err := e.mat.Materialize(ctx, desc, targetRepo.Schema(), desc.TableName); err != nil {
				importErr = err
				return nil, err
			}
		}
		if err := e.images.Tag(ctx, targetRepo, targetHash, sgtypes.HeadTag); err != nil {
			importErr = err
			return nil, err
		}
	}

	return &newImg, nil
}

func (e *Engine) headOrZero(ctx context.Context, repo sgtypes.RepoRef) sgtypes.Hash {
	img, err := e.images.ByTag(ctx, repo, sgtypes.HeadTag, false)
	if err != nil || img == nil {
		return sgtypes.ZeroHash
	}
	return img.ImageHash
}

func (e *Engine) importViaQuery(ctx context.Context, targetRepo sgtypes.RepoRef, targetHash sgtypes.Hash, targetName, query string) (*sgtypes.TableDescriptor, error) {
	scratch, err := e.mat.RunSQL(ctx, targetRepo.Schema(), query)
	if err != nil {
		return nil, err
	}
	return e.captureScratch(ctx, targetRepo, targetHash, targetName, scratch)
}

func (e *Engine) importViaCopy(ctx context.Context, targetRepo, sourceRepo sgtypes.RepoRef, targetHash sgtypes.Hash, targetName, sourceTable string) (*sgtypes.TableDescriptor, error) {
	scratch := "sgcopy_" + targetName
	ddl := fmt.Sprintf("CREATE TABLE %q.%q AS SELECT * FROM %q.%q", targetRepo.Schema(), scratch, sourceRepo.Schema(), sourceTable)
	if _, err := e.store.Pool().Exec(ctx, ddl); err != nil {
		return nil, err
	}
	return e.captureScratch(ctx, targetRepo, targetHash, targetName, scratch)
}

func (e *Engine) captureScratch(ctx context.Context, targetRepo sgtypes.RepoRef, targetHash sgtypes.Hash, targetName, scratchTable string) (*sgtypes.TableDescriptor, error) {
	schema, err := inspectTableSchema(ctx, e.store, targetRepo.Schema(), scratchTable)
	if err != nil {
		return nil, err
	}
	rows, err := readWorkingRows(ctx, e.store, targetRepo.Schema(), scratchTable, schema)
	if err != nil {
		return nil, err
	}
	frags := fragment.New(e.store, fragment.DefaultChunkSize)
	objs, err := frags.RecordTableAsBase(ctx, targetRepo.Namespace, schema, rows)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Pool().Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q.%q", targetRepo.Schema(), scratchTable)); err != nil {
		return nil, err
	}
	desc := toDescriptor(targetHash, targetName, schema, objs)
	return &desc, nil
}
