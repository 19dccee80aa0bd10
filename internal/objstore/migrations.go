package objstore

import (
	"context"
	"fmt"
)

// migration is one idempotent schema step, run in order — the same shape
// as the teacher's internal/storage/dolt/migrations.go Migration list,
// adapted from incremental ALTERs (Dolt/MySQL) to CREATE-IF-NOT-EXISTS
// DDL against a fresh Postgres schema.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "create_meta_schema",
		sql:  fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, MetaSchema),
	},
	{
		name: "create_images",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.images (
			namespace       TEXT NOT NULL,
			repository      TEXT NOT NULL,
			image_hash      CHAR(64) NOT NULL,
			parent_id       CHAR(64),
			created         TIMESTAMPTZ NOT NULL DEFAULT now(),
			comment         TEXT,
			provenance_type TEXT NOT NULL,
			provenance_data JSONB,
			PRIMARY KEY (namespace, repository, image_hash)
		)`, MetaSchema),
	},
	{
		name: "create_tables",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.tables (
			namespace    TEXT NOT NULL,
			repository   TEXT NOT NULL,
			image_hash   CHAR(64) NOT NULL,
			table_name   TEXT NOT NULL,
			table_schema JSONB NOT NULL,
			object_ids   TEXT[] NOT NULL,
			PRIMARY KEY (namespace, repository, image_hash, table_name)
		)`, MetaSchema),
	},
	{
		name: "create_tags",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.tags (
			namespace  TEXT NOT NULL,
			repository TEXT NOT NULL,
			image_hash CHAR(64) NOT NULL,
			tag        TEXT NOT NULL,
			PRIMARY KEY (namespace, repository, tag)
		)`, MetaSchema),
	},
	{
		name: "create_objects",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.objects (
			object_id         CHAR(64) PRIMARY KEY,
			format            TEXT NOT NULL,
			parent_object_ids TEXT[] NOT NULL DEFAULT '{}',
			namespace         TEXT NOT NULL,
			index             JSONB NOT NULL DEFAULT '{}'
		)`, MetaSchema),
	},
	{
		name: "create_object_locations",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.object_locations (
			object_id CHAR(64) PRIMARY KEY REFERENCES %s.objects (object_id),
			protocol  TEXT NOT NULL,
			location  TEXT NOT NULL
		)`, MetaSchema, MetaSchema),
	},
	{
		name: "create_upstream",
		sql: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.upstream (
			namespace         TEXT NOT NULL,
			repository        TEXT NOT NULL,
			remote_name       TEXT NOT NULL,
			remote_namespace  TEXT NOT NULL,
			remote_repository TEXT NOT NULL,
			PRIMARY KEY (namespace, repository)
		)`, MetaSchema),
	},
	{
		name: "create_tables_object_ids_gin_index",
		sql:  fmt.Sprintf(`CREATE INDEX IF NOT EXISTS tables_object_ids_gin ON %s.tables USING GIN (object_ids)`, MetaSchema),
	},
}

// migrate runs every migration in order inside its own statement; each
// is idempotent (CREATE ... IF NOT EXISTS) so re-running migrate on an
// already-initialized store is a no-op.
func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
