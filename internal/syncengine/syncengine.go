// Package syncengine implements the Sync Engine (spec.md §4.8): _sync,
// clone, push and pull between two repository endpoints, each backed by
// its own object store and image manager (which may be the same Postgres
// instance, a different schema, or — via an ExternalHandler — a wholly
// separate engine reached over a transport).
package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// Endpoint bundles the two components the Sync Engine needs on each side
// of a sync: the object store (images, tables, objects, payloads) and
// the image manager (DAG, tags).
type Endpoint struct {
	Store  *objstore.Store
	Images *image.Manager
}

// Engine runs syncs between two Endpoints.
type Engine struct {
	handlers map[string]objstore.ExternalHandler
}

// New builds a Sync Engine with the given set of named external
// handlers (e.g. "S3") available for upload/download beyond the default
// "DB" (local store to local store) path.
func New(handlers map[string]objstore.ExternalHandler) *Engine {
	if handlers == nil {
		handlers = map[string]objstore.ExternalHandler{}
	}
	return &Engine{handlers: handlers}
}

// Options controls one _sync call.
type Options struct {
	Download      bool
	DownloadAll   bool
	Handler       sgtypes.HandlerType
	HandlerParams map[string]string
}

// Sync implements spec.md §4.8's `_sync(target, source, download)`.
func (e *Engine) Sync(ctx context.Context, repo sgtypes.RepoRef, target, source Endpoint, opts Options) error {
	ctx, span := telemetry.StartSpan(ctx, "syncengine.sync", telemetry.RepoAttrs(repo.Namespace, repo.Repository)...)
	var syncErr error
	defer func() { telemetry.EndSpan(span, syncErr) }()

	// Step 1: gather.
	newImages, err := gatherNewImages(ctx, repo, target, source)
	if err != nil {
		syncErr = err
		return err
	}
	if len(newImages) == 0 {
		return nil // step 2: short-circuit
	}

	descriptors, objectIDs, err := gatherTablesAndObjects(ctx, repo, source, newImages)
	if err != nil {
		syncErr = err
		return err
	}
	missing, err := target.Store.MissingObjects(ctx, objectIDs)
	if err != nil {
		syncErr = err
		return err
	}
	tags, err := gatherTags(ctx, repo, source, newImages)
	if err != nil {
		syncErr = err
		return err
	}

	progress := &syncProgress{objectIDs: missing}

	imageHashes := make([]sgtypes.Hash, len(newImages))
	for i, img := range newImages {
		imageHashes[i] = img.ImageHash
	}
	// Progress is marked before each step, so that a step failing part-way
	// is undone along with the steps before it.
	progress.imagesAdded = imageHashes
	if err := e.registerImages(ctx, repo, target, source, newImages); err != nil {
		syncErr = rollback(ctx, repo, target, source, progress, err)
		return syncErr
	}

	if opts.Download {
		progress.targetObjects = true
		progress.targetLocations = true
		if err := e.doDownload(ctx, target, source, missing, opts.DownloadAll); err != nil {
			syncErr = rollback(ctx, repo, target, source, progress, err)
			return syncErr
		}
	} else {
		progress.targetObjects = true
		progress.targetLocations = true
		progress.sourceLocations = true
		if err := e.doUpload(ctx, target, source, missing, opts); err != nil {
			syncErr = rollback(ctx, repo, target, source, progress, err)
			return syncErr
		}
	}

	if err := target.Store.RegisterTables(ctx, repo.Namespace, repo.Repository, descriptors); err != nil {
		syncErr = rollback(ctx, repo, target, source, progress, err)
		return syncErr
	}
	progress.tablesWritten = imageHashes

	for _, t := range tags {
		if err := target.Images.Tag(ctx, repo, t.ImageHash, t.Tag); err != nil {
			syncErr = rollback(ctx, repo, target, source, progress, err)
			return syncErr
		}
	}
	return nil
}

// syncProgress records what a Sync call has written, or begun writing,
// to each endpoint, so a mid-sync failure can be compensated precisely instead
// of guessed at.
type syncProgress struct {
	objectIDs       []sgtypes.Hash
	imagesAdded     []sgtypes.Hash
	targetObjects   bool
	targetLocations bool
	sourceLocations bool
	tablesWritten   []sgtypes.Hash
}

// rollback implements spec.md §4.8 step 7 / §5's "on exception anywhere,
// roll back both ends and re-raise": it undoes every write Sync has made
// so far, in reverse dependency order (tables depend on objects and
// images; object_locations depend on objects), before returning the
// original error. Partial images/objects/locations are never left
// visible on the target after a failed sync. Compensation errors are
// logged onto the returned error rather than hiding the original cause.
func rollback(ctx context.Context, repo sgtypes.RepoRef, target, source Endpoint, p *syncProgress, cause error) error {
	var compErrs []error
	if len(p.tablesWritten) > 0 {
		if err := target.Store.DeregisterTables(ctx, repo.Namespace, repo.Repository, p.tablesWritten); err != nil {
			compErrs = append(compErrs, fmt.Errorf("rollback tables: %w", err))
		}
	}
	if p.targetLocations {
		if err := target.Store.DeregisterObjectLocations(ctx, p.objectIDs); err != nil {
			compErrs = append(compErrs, fmt.Errorf("rollback target locations: %w", err))
		}
	}
	if p.sourceLocations {
		if err := source.Store.DeregisterObjectLocations(ctx, p.objectIDs); err != nil {
			compErrs = append(compErrs, fmt.Errorf("rollback source locations: %w", err))
		}
	}
	if p.targetObjects {
		if err := target.Store.DeregisterObjects(ctx, p.objectIDs); err != nil {
			compErrs = append(compErrs, fmt.Errorf("rollback target objects: %w", err))
		}
	}
	if len(p.imagesAdded) > 0 {
		if err := target.Images.DeregisterImages(ctx, repo, p.imagesAdded); err != nil {
			compErrs = append(compErrs, fmt.Errorf("rollback images: %w", err))
		}
	}
	if len(compErrs) == 0 {
		return fmt.Errorf("sync: %w", cause)
	}
	return fmt.Errorf("sync: %w (rollback incomplete: %w)", cause, errors.Join(compErrs...))
}

func gatherNewImages(ctx context.Context, repo sgtypes.RepoRef, target, source Endpoint) ([]sgtypes.Image, error) {
	sourceChain, err := fullImageChain(ctx, repo, source)
	if err != nil {
		return nil, err
	}
	var out []sgtypes.Image
	for _, img := range sourceChain {
		if img.ImageHash == sgtypes.ZeroHash {
			continue
		}
		if _, err := target.Images.ByHash(ctx, repo, img.ImageHash); err != nil {
			out = append(out, img)
		}
	}
	// parent-before-child order.
	orderParentFirst(out)
	return out, nil
}

// fullImageChain walks source's image DAG from HEAD back to the root,
// since the Image Manager only exposes point lookups (ByHash/ByTag).
func fullImageChain(ctx context.Context, repo sgtypes.RepoRef, ep Endpoint) ([]sgtypes.Image, error) {
	head, err := ep.Images.ByTag(ctx, repo, sgtypes.HeadTag, false)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	var out []sgtypes.Image
	cur := head
	seen := map[sgtypes.Hash]bool{}
	for cur != nil && !seen[cur.ImageHash] {
		seen[cur.ImageHash] = true
		out = append(out, *cur)
		if cur.ParentID == nil {
			break
		}
		parent, err := ep.Images.ByHash(ctx, repo, *cur.ParentID)
		if err != nil {
			break
		}
		cur = parent
	}
	return out, nil
}

func orderParentFirst(images []sgtypes.Image) {
	byHash := map[sgtypes.Hash]sgtypes.Image{}
	for _, img := range images {
		byHash[img.ImageHash] = img
	}
	var visited map[sgtypes.Hash]bool = map[sgtypes.Hash]bool{}
	var order []sgtypes.Image
	var visit func(h sgtypes.Hash)
	visit = func(h sgtypes.Hash) {
		if visited[h] {
			return
		}
		img, ok := byHash[h]
		if !ok {
			return
		}
		visited[h] = true
		if img.ParentID != nil {
			visit(*img.ParentID)
		}
		order = append(order, img)
	}
	for _, img := range images {
		visit(img.ImageHash)
	}
	copy(images, order)
}

func gatherTablesAndObjects(ctx context.Context, repo sgtypes.RepoRef, source Endpoint, newImages []sgtypes.Image) ([]sgtypes.TableDescriptor, []sgtypes.Hash, error) {
	var descriptors []sgtypes.TableDescriptor
	seen := map[sgtypes.Hash]bool{}
	var objectIDs []sgtypes.Hash
	for _, img := range newImages {
		descs, err := source.Images.GetTables(ctx, repo, img.ImageHash)
		if err != nil {
			return nil, nil, err
		}
		descriptors = append(descriptors, descs...)
		for _, d := range descs {
			for _, id := range d.ObjectIDs {
				if !seen[id] {
					seen[id] = true
					objectIDs = append(objectIDs, id)
				}
			}
		}
	}
	return descriptors, objectIDs, nil
}

func gatherTags(ctx context.Context, repo sgtypes.RepoRef, source Endpoint, newImages []sgtypes.Image) ([]sgtypes.Tag, error) {
	hashes := make([]sgtypes.Hash, len(newImages))
	for i, img := range newImages {
		hashes[i] = img.ImageHash
	}
	tags, err := source.Images.TagsForImages(ctx, repo, hashes)
	if err != nil {
		return nil, err
	}
	var out []sgtypes.Tag
	for _, t := range tags {
		if t.Tag == sgtypes.HeadTag {
			continue // HEAD is moved explicitly by the caller after checkout
		}
		out = append(out, t)
	}
	return out, nil
}

// registerImages replays newImages onto target in the parent-before-child
// order gatherNewImages already established.
func (e *Engine) registerImages(ctx context.Context, repo sgtypes.RepoRef, target, source Endpoint, newImages []sgtypes.Image) error {
	for i := range newImages {
		img := newImages[i]
		if err := target.Images.Add(ctx, &img); err != nil {
			return fmt.Errorf("registering image %s: %w", img.ImageHash, err)
		}
	}
	return nil
}

func (e *Engine) doDownload(ctx context.Context, target, source Endpoint, missing []sgtypes.Hash, downloadAll bool) error {
	locs, err := source.Store.ObjectLocations(ctx, missing)
	if err != nil {
		return err
	}
	objs, err := source.Store.GetObjects(ctx, missing)
	if err != nil {
		return err
	}
	list := make([]sgtypes.Object, 0, len(objs))
	for _, o := range objs {
		list = append(list, o)
	}
	if err := target.Store.RegisterObjects(ctx, list); err != nil {
		return err
	}
	var locList []sgtypes.ObjectLocation
	for _, l := range locs {
		locList = append(locList, l)
	}
	if err := target.Store.RegisterObjectLocations(ctx, locList); err != nil {
		return err
	}
	if !downloadAll {
		return nil
	}
	return target.Store.DownloadObjects(ctx, source.Store, missing, locs, e.handlers)
}

func (e *Engine) doUpload(ctx context.Context, target, source Endpoint, missing []sgtypes.Hash, opts Options) error {
	handler := opts.Handler
	if handler == "" {
		handler = sgtypes.HandlerDB
	}
	newLocs, err := source.Store.UploadObjects(ctx, target.Store, missing, handler, opts.HandlerParams, e.handlers)
	if err != nil {
		return err
	}

	objs, err := source.Store.GetObjects(ctx, missing)
	if err != nil {
		return err
	}
	list := make([]sgtypes.Object, 0, len(objs))
	for _, o := range objs {
		list = append(list, o)
	}
	if err := target.Store.RegisterObjects(ctx, list); err != nil {
		return err
	}
	if len(newLocs) == 0 {
		return nil
	}
	if err := target.Store.RegisterObjectLocations(ctx, newLocs); err != nil {
		return err
	}
	return source.Store.RegisterObjectLocations(ctx, newLocs)
}

// Clone implements spec.md §4.8's `clone(remote, local?, download_all?)`:
// always runs in download mode, and sets upstream on local if unset.
func (e *Engine) Clone(ctx context.Context, repo sgtypes.RepoRef, local, remote Endpoint, downloadAll bool, setUpstream func(context.Context, sgtypes.RepoRef) error) error {
	if err := local.Images.Init(ctx, repo); err != nil && !errors.Is(err, sgerrors.ErrClash) {
		return fmt.Errorf("initializing local repository: %w", err)
	}
	if err := e.Sync(ctx, repo, local, remote, Options{Download: true, DownloadAll: downloadAll}); err != nil {
		return err
	}
	return setUpstreamIfUnset(ctx, repo, local, setUpstream)
}

// setUpstreamIfUnset calls setUpstream only when local has no upstream
// recorded for repo yet.
func setUpstreamIfUnset(ctx context.Context, repo sgtypes.RepoRef, local Endpoint, setUpstream func(context.Context, sgtypes.RepoRef) error) error {
	if setUpstream == nil {
		return nil
	}
	if _, err := local.Store.GetUpstream(ctx, repo); !errors.Is(err, sgerrors.ErrNotFound) {
		return err
	}
	return setUpstream(ctx, repo)
}

// Push implements spec.md §4.8's `push(remote?, handler, handler_options)`,
// and sets upstream on local if unset.
func (e *Engine) Push(ctx context.Context, repo sgtypes.RepoRef, local, remote Endpoint, opts Options, setUpstream func(context.Context, sgtypes.RepoRef) error) error {
	if opts.Handler == "" {
		opts.Handler = sgtypes.HandlerDB
	}
	opts.Download = false
	if err := e.Sync(ctx, repo, remote, local, opts); err != nil {
		return err
	}
	return setUpstreamIfUnset(ctx, repo, local, setUpstream)
}

// Pull implements spec.md §4.8's `pull(download_all?)`: clone against the
// configured upstream. Callers resolve the upstream Endpoint themselves
// (engineconfig's Remote lookup) and pass it in as remote.
func (e *Engine) Pull(ctx context.Context, repo sgtypes.RepoRef, local, remote Endpoint, downloadAll bool) error {
	return e.Sync(ctx, repo, local, remote, Options{Download: true, DownloadAll: downloadAll})
}
