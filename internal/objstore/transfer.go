package objstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

// ExternalHandler is the pluggable capability for shipping fragment
// payloads to/from an off-engine store (spec.md §6: "the core sees only
// an ExternalHandler capability"). Concrete handlers (DB, S3, ...) are
// registered by name; the core only calls Upload/Download.
type ExternalHandler interface {
	// Upload pushes the payload for each id to the external store and
	// returns the resulting locations.
	Upload(ctx context.Context, ids []sgtypes.Hash, params map[string]string) ([]sgtypes.ObjectLocation, error)
	// Download fetches payloads named by locations into the local store.
	Download(ctx context.Context, locations []sgtypes.ObjectLocation) error
}

// fragmentPayload is the wire shape for a single fragment moved between
// two Store instances (or a Store and a remote peer) without either side
// needing to know the other's concrete fragment encoding.
type fragmentPayload struct {
	Schema  sgtypes.TableSchema `json:"schema"`
	Format  sgtypes.ObjectFormat `json:"format"`
	Rows    []sgtypes.Row        `json:"rows"`
	Deleted []bool               `json:"deleted,omitempty"`
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// EncodePayload serializes and compresses a fragment's rows for transfer
// across a DB handler boundary or a network peer, using klauspost/compress
// the way the rest of the pack reaches for it on payload-heavy paths.
func EncodePayload(schema sgtypes.TableSchema, format sgtypes.ObjectFormat, rows []sgtypes.Row, deleted []bool) ([]byte, error) {
	raw, err := json.Marshal(fragmentPayload{Schema: schema, Format: format, Rows: rows, Deleted: deleted})
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(compressed []byte) (sgtypes.TableSchema, sgtypes.ObjectFormat, []sgtypes.Row, []bool, error) {
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, "", nil, nil, fmt.Errorf("objstore: decompress payload: %w", err)
	}
	var p fragmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, "", nil, nil, fmt.Errorf("objstore: decode payload: %w", err)
	}
	return p.Schema, p.Format, p.Rows, p.Deleted, nil
}

// ExportPayload reads an object's payload table and serializes it for
// transfer, used by both the DB handler (local-to-local) and a remote
// peer's RPC surface.
func (s *Store) ExportPayload(ctx context.Context, objectID sgtypes.Hash) ([]byte, error) {
	obj, err := s.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}
	// The schema itself isn't stored per-object (it lives on the table
	// descriptor); callers that only have an object id reconstruct the
	// column list from information_schema so export works for objects
	// reached purely through the object graph (e.g. during sync).
	schema, err := s.inspectPayloadSchema(ctx, objectID, obj.Format)
	if err != nil {
		return nil, err
	}
	rows, deleted, err := s.ReadRows(ctx, objectID, schema, obj.Format)
	if err != nil {
		return nil, err
	}
	var delPtr []bool
	if obj.Format == sgtypes.FormatPatch {
		delPtr = deleted
	}
	return EncodePayload(schema, obj.Format, rows, delPtr)
}

// ImportPayload materializes a previously-exported payload into a new
// local physical table, used on the receiving end of an upload/download.
func (s *Store) ImportPayload(ctx context.Context, objectID sgtypes.Hash, compressed []byte) error {
	schema, format, rows, deleted, err := DecodePayload(compressed)
	if err != nil {
		return err
	}
	if err := s.CreatePayloadTable(ctx, objectID, schema, format); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	var delArg []bool
	if format == sgtypes.FormatPatch {
		delArg = deleted
	}
	_, err = s.WriteRows(ctx, objectID, schema, rows, delArg)
	return err
}

func (s *Store) inspectPayloadSchema(ctx context.Context, objectID sgtypes.Hash, format sgtypes.ObjectFormat) (sgtypes.TableSchema, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, MetaSchema, "o_"+string(objectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schema sgtypes.TableSchema
	for rows.Next() {
		var name, dtype string
		var pos int
		if err := rows.Scan(&name, &dtype, &pos); err != nil {
			return nil, err
		}
		if format == sgtypes.FormatPatch && name == isDeletedColumn {
			continue
		}
		schema = append(schema, sgtypes.Column{Name: name, PGType: dtype, Ordinal: pos})
	}
	if len(schema) == 0 {
		return nil, sgerrors.NotFoundf("payload table for object %s not found", objectID)
	}
	return schema, rows.Err()
}

// DownloadObjects acquires payloads for ids, consulting locations first
// (delegating to the matching ExternalHandler) then falling back to
// source for objects with no external location (spec.md §4.1).
func (s *Store) DownloadObjects(ctx context.Context, source *Store, ids []sgtypes.Hash, locations map[sgtypes.Hash]sgtypes.ObjectLocation, handlers map[string]ExternalHandler) error {
	ctx, span := telemetry.StartSpan(ctx, "objstore.download_objects")
	defer func() { telemetry.EndSpan(span, nil) }()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if loc, ok := locations[id]; ok {
				h, ok := handlers[loc.Protocol]
				if !ok {
					return sgerrors.Transportf("no handler registered for protocol %q", loc.Protocol)
				}
				return h.Download(ctx, []sgtypes.ObjectLocation{loc})
			}
			if source == nil {
				return sgerrors.NotFoundf("object %s has no location and no source store was given", id)
			}
			payload, err := source.ExportPayload(ctx, id)
			if err != nil {
				return err
			}
			if err := s.ImportPayload(ctx, id, payload); err != nil {
				return err
			}
			s.metrics.BytesTransferred.Add(float64(len(payload)))
			return nil
		})
	}
	return g.Wait()
}

// UploadObjects pushes payloads for ids to target: either target's own
// local store (handler == DB) or an external blob target via the named
// handler, returning produced locations (spec.md §4.1).
func (s *Store) UploadObjects(ctx context.Context, target *Store, ids []sgtypes.Hash, handler sgtypes.HandlerType, handlerParams map[string]string, handlers map[string]ExternalHandler) ([]sgtypes.ObjectLocation, error) {
	ctx, span := telemetry.StartSpan(ctx, "objstore.upload_objects")
	defer func() { telemetry.EndSpan(span, nil) }()

	if handler == sgtypes.HandlerDB {
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				payload, err := s.ExportPayload(ctx, id)
				if err != nil {
					return err
				}
				if err := target.ImportPayload(ctx, id, payload); err != nil {
					return err
				}
				s.metrics.BytesTransferred.Add(float64(len(payload)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	h, ok := handlers[string(handler)]
	if !ok {
		return nil, sgerrors.Transportf("no handler registered for %q", handler)
	}
	return h.Upload(ctx, ids, handlerParams)
}

// Cleanup removes local payload tables unreferenced by any table
// descriptor (spec.md §4.1): metadata and external locations are
// preserved, only the physical payload table is dropped.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT o.object_id FROM %s.objects o
		WHERE NOT EXISTS (
			SELECT 1 FROM %s.tables t WHERE o.object_id = ANY(t.object_ids)
		)`, MetaSchema, MetaSchema))
	if err != nil {
		return 0, err
	}
	var unreferenced []sgtypes.Hash
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		unreferenced = append(unreferenced, sgtypes.Hash(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range unreferenced {
		if err := s.DropPayloadTable(ctx, id); err != nil {
			return 0, fmt.Errorf("objstore: cleanup %s: %w", id, err)
		}
	}
	return len(unreferenced), nil
}
