package main

import (
	"context"
	"fmt"

	"github.com/trase/splitgraph/internal/image"
	"github.com/trase/splitgraph/internal/objstore"
	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/syncengine"
)

// openRemote opens a fresh object store against a named remote's
// connection string and wraps it as a Sync Engine Endpoint. The caller
// must invoke the returned close func once done.
func openRemote(ctx context.Context, remoteName string) (syncengine.Endpoint, func(), error) {
	rc, err := eng.cfg.Remote(remoteName)
	if err != nil {
		return syncengine.Endpoint{}, nil, err
	}
	store, err := objstore.Open(ctx, rc.Connection, objstore.Options{Logger: log})
	if err != nil {
		return syncengine.Endpoint{}, nil, fmt.Errorf("connecting to remote %q: %w", remoteName, err)
	}
	ep := syncengine.Endpoint{Store: store, Images: image.New(store)}
	return ep, func() { store.Close() }, nil
}

func localEndpoint() syncengine.Endpoint {
	return syncengine.Endpoint{Store: eng.store, Images: eng.images}
}

// defaultRemoteName resolves the repository's configured upstream, or
// falls back to "origin" if none is set yet.
func defaultRemoteName(ctx context.Context, repo sgtypes.RepoRef) string {
	up, err := eng.store.GetUpstream(ctx, repo)
	if err != nil {
		return "origin"
	}
	return up.RemoteName
}
