package objstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
)

// SetUpstream records (or repoints) the named remote a repository syncs
// against by default, consumed by push/pull when no remote is named
// explicitly — SPEC_FULL.md's supplemented "upstream auto-set" feature.
func (s *Store) SetUpstream(ctx context.Context, repo sgtypes.RepoRef, remoteName string, remote sgtypes.RepoRef) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.upstream (namespace, repository, remote_name, remote_namespace, remote_repository)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (namespace, repository) DO UPDATE SET
			remote_name = EXCLUDED.remote_name,
			remote_namespace = EXCLUDED.remote_namespace,
			remote_repository = EXCLUDED.remote_repository`, MetaSchema),
		repo.Namespace, repo.Repository, remoteName, remote.Namespace, remote.Repository)
	return err
}

// GetUpstream looks up the configured upstream for a repository.
func (s *Store) GetUpstream(ctx context.Context, repo sgtypes.RepoRef) (*sgtypes.Upstream, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT namespace, repository, remote_name, remote_namespace, remote_repository
		FROM %s.upstream WHERE namespace = $1 AND repository = $2`, MetaSchema),
		repo.Namespace, repo.Repository)
	var u sgtypes.Upstream
	if err := row.Scan(&u.Namespace, &u.Repository, &u.RemoteName, &u.RemoteNamespace, &u.RemoteRepository); err != nil {
		if err == pgx.ErrNoRows {
			return nil, sgerrors.NotFoundf("no upstream configured for %s", repo)
		}
		return nil, err
	}
	return &u, nil
}
