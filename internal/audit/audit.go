// Package audit implements the Audit Facade (spec.md §4.2): capture of
// pending changes against a checked-out working table, aggregation into
// insert/update/delete counts, and discard of captured changes once a
// commit has flushed them into a fragment.
//
// Capture is trigger-based: manage_audit_triggers installs a single
// AFTER ROW trigger per checked-out table that appends a row to a shared
// splitgraph_meta.audit_log table on every INSERT/UPDATE/DELETE. This
// mirrors the object store's table-per-concern layout (internal/objstore)
// rather than bolting change capture onto the working table itself, so a
// bare remote (no working schema, spec.md §4.2 "graceful degradation")
// simply never gets triggers installed and GetPendingChanges returns empty.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/telemetry"
)

const (
	// logTable holds one row per captured change, across all checked-out
	// tables and schemas, partitioned by (schema_name, table_name).
	logTable = "splitgraph_meta.audit_log"

	triggerFuncName = "splitgraph_meta.sg_audit_capture"
	triggerPrefix   = "sg_audit_"
)

// Facade is the Audit Facade: capture-trigger management plus the
// pending-change query surface the Commit and Diff Engines read from.
type Facade struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New builds a Facade over a pool already migrated by objstore.Open
// (Facade adds its own log table/trigger function lazily, on first use,
// since not every repository ever checks a table out).
func New(pool *pgxpool.Pool, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	return &Facade{pool: pool, log: log}
}

// ensureInfra creates the shared audit log table and capture function,
// idempotently, the first time a table's triggers are managed.
func (f *Facade) ensureInfra(ctx context.Context) error {
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			schema_name TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			kind        TEXT NOT NULL,
			pk          JSONB NOT NULL,
			row_data    JSONB,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, logTable))
	if err != nil {
		return fmt.Errorf("audit: create log table: %w", err)
	}

	_, err = f.pool.Exec(ctx, fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
		DECLARE
			pk_cols TEXT[] := TG_ARGV;
			pk_json JSONB := '[]'::jsonb;
			col TEXT;
			kind TEXT;
			data JSONB;
			src RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				kind := 'delete';
				data := NULL;
				src := OLD;
			ELSIF TG_OP = 'UPDATE' THEN
				kind := 'update';
				data := to_jsonb(NEW);
				src := NEW;
			ELSE
				kind := 'insert';
				data := to_jsonb(NEW);
				src := NEW;
			END IF;
			FOREACH col IN ARRAY pk_cols LOOP
				pk_json := pk_json || jsonb_build_array(to_jsonb(src) -> col);
			END LOOP;
			INSERT INTO %s (schema_name, table_name, kind, pk, row_data)
			VALUES (TG_TABLE_SCHEMA, TG_TABLE_NAME, kind, pk_json, data);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, triggerFuncName, logTable))
	if err != nil {
		return fmt.Errorf("audit: create capture function: %w", err)
	}
	return nil
}

func triggerName(tableName string) string {
	return triggerPrefix + tableName
}

// ManageAuditTriggers installs (or, if the table's primary key changed,
// reinstalls) the capture trigger on a checked-out working table. Calling
// it repeatedly for the same schema is idempotent (spec.md §4.2).
func (f *Facade) ManageAuditTriggers(ctx context.Context, schema sgtypes.RepoRef, tableName string, pk []string) error {
	ctx, span := telemetry.StartSpan(ctx, "audit.manage_audit_triggers", telemetry.RepoAttrs(schema.Namespace, schema.Repository)...)
	defer func() { telemetry.EndSpan(span, nil) }()

	if len(pk) == 0 {
		return sgerrors.InvalidArgumentf("table %s has no primary key, cannot capture changes", tableName)
	}
	if err := f.ensureInfra(ctx); err != nil {
		return err
	}

	trig := triggerName(tableName)
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %q ON %q.%q`, trig, schema.Schema(), tableName))
	if err != nil {
		return fmt.Errorf("audit: drop stale trigger: %w", err)
	}

	argList := make([]string, len(pk))
	for i, c := range pk {
		argList[i] = fmt.Sprintf("%q", c)
	}
	_, err = f.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TRIGGER %q AFTER INSERT OR UPDATE OR DELETE ON %q.%q
		 FOR EACH ROW EXECUTE FUNCTION %s(%s)`,
		trig, schema.Schema(), tableName, triggerFuncName, joinComma(argList)))
	if err != nil {
		return fmt.Errorf("audit: create trigger: %w", err)
	}
	return nil
}

// RemoveAuditTriggers drops a table's capture trigger, used on uncheckout.
func (f *Facade) RemoveAuditTriggers(ctx context.Context, schema sgtypes.RepoRef, tableName string) error {
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %q ON %q.%q`, triggerName(tableName), schema.Schema(), tableName))
	return err
}

// GetPendingChanges streams every captured row for one table, in capture
// order (spec.md §4.2), as PendingChange values ready for conflation by
// the Fragment Manager's record_table_as_patch.
func (f *Facade) GetPendingChanges(ctx context.Context, schema sgtypes.RepoRef, tableName string) ([]sgtypes.PendingChange, error) {
	if err := f.ensureInfra(ctx); err != nil {
		return nil, err
	}
	rows, err := f.pool.Query(ctx, fmt.Sprintf(
		`SELECT kind, pk, row_data FROM %s WHERE schema_name = $1 AND table_name = $2 ORDER BY id`, logTable),
		schema.Schema(), tableName)
	if err != nil {
		return nil, fmt.Errorf("audit: get pending changes: %w", err)
	}
	defer rows.Close()

	var out []sgtypes.PendingChange
	for rows.Next() {
		var kindStr string
		var pkRaw, rowRaw []byte
		if err := rows.Scan(&kindStr, &pkRaw, &rowRaw); err != nil {
			return nil, err
		}
		var pkVals []any
		if err := json.Unmarshal(pkRaw, &pkVals); err != nil {
			return nil, err
		}
		pk := make([]string, len(pkVals))
		for i, v := range pkVals {
			pk[i] = fmt.Sprintf("%v", v)
		}
		var newRow sgtypes.Row
		if rowRaw != nil {
			if err := json.Unmarshal(rowRaw, &newRow); err != nil {
				return nil, err
			}
		}
		out = append(out, sgtypes.PendingChange{
			PKValues: pk,
			Kind:     sgtypes.ChangeKind(kindStr),
			NewRow:   newRow,
		})
	}
	return out, rows.Err()
}

// GetChangedTables returns the distinct table names with pending changes
// captured under schema, used by commit to decide which tables need a
// new fragment at all.
func (f *Facade) GetChangedTables(ctx context.Context, schema sgtypes.RepoRef) ([]string, error) {
	if err := f.ensureInfra(ctx); err != nil {
		return nil, err
	}
	rows, err := f.pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT table_name FROM %s WHERE schema_name = $1`, logTable), schema.Schema())
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

// DiscardPendingChanges clears captured rows for a table, called once
// commit has flushed them into a fragment (or on an explicit rollback of
// uncommitted work).
func (f *Facade) DiscardPendingChanges(ctx context.Context, schema sgtypes.RepoRef, tableName string) error {
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE schema_name = $1 AND table_name = $2`, logTable),
		schema.Schema(), tableName)
	return err
}

// Aggregate summarizes a table's pending changes into added/removed/
// updated counts (spec.md §4.7's HEAD-vs-staging diff delegates here
// rather than materializing both sides for comparison).
func (f *Facade) Aggregate(ctx context.Context, schema sgtypes.RepoRef, tableName string) (sgtypes.ChangeAggregate, error) {
	changes, err := f.GetPendingChanges(ctx, schema, tableName)
	if err != nil {
		return sgtypes.ChangeAggregate{}, err
	}
	var agg sgtypes.ChangeAggregate
	seen := map[string]sgtypes.ChangeKind{}
	for _, c := range changes {
		key := fmt.Sprintf("%v", c.PKValues)
		prior, ok := seen[key]
		switch {
		case !ok && c.Kind == sgtypes.ChangeInsert:
			agg.Added++
		case !ok && c.Kind == sgtypes.ChangeUpdate:
			agg.Updated++
		case !ok && c.Kind == sgtypes.ChangeDelete:
			agg.Removed++
		case ok && prior == sgtypes.ChangeInsert && c.Kind == sgtypes.ChangeDelete:
			agg.Added--
		case ok && c.Kind == sgtypes.ChangeDelete:
			agg.Removed++
			agg.Updated--
		}
		seen[key] = c.Kind
	}
	return agg, nil
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
