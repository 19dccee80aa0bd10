// Package pglock implements the per-repository writer latch (spec.md §5:
// "at most one concurrent writer per repository") as a Postgres advisory
// lock. This generalizes the teacher's local-flock AccessLock
// (internal/storage/dolt/access_lock.go) to a shared backing store that
// multiple engine processes may connect to concurrently.
package pglock

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trase/splitgraph/internal/telemetry"
)

// ErrBusy is returned when the latch cannot be acquired before the
// caller-supplied context is done.
var ErrBusy = errors.New("pglock: repository is locked by another writer")

// pollInterval mirrors the teacher's lockPollInterval for the advisory
// flock: retry at a fixed cadence rather than blocking the connection
// indefinitely inside Postgres, so cancellation is always honored promptly.
const pollInterval = 50 * time.Millisecond

// Key derives a stable advisory lock key for (namespace, repository).
// Postgres advisory locks take a single bigint or two ints; we hash the
// schema name down to an int64 the same way the teacher hashes resource
// names for its in-memory locks.
func Key(namespace, repository string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(repository))
	return int64(h.Sum64())
}

// Lock holds an acquired advisory lock. It must be released via Release
// using the same pooled connection it was acquired on — pg_advisory_lock
// is session-scoped, so the connection is pinned for the lock's lifetime.
type Lock struct {
	conn *pgxpool.Conn
	key  int64
}

// Acquire blocks (polling, honoring ctx cancellation) until the writer
// latch for (namespace, repository) is held, or returns ErrBusy/ctx.Err()
// if it never is.
func Acquire(ctx context.Context, pool *pgxpool.Pool, namespace, repository string, m *telemetry.Metrics, log *slog.Logger) (*Lock, error) {
	if log == nil {
		log = slog.Default()
	}
	key := Key(namespace, repository)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for {
		var got bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
			conn.Release()
			return nil, err
		}
		if got {
			if m != nil {
				m.LockWaitSeconds.Observe(time.Since(start).Seconds())
			}
			log.Debug("writer latch acquired", "namespace", namespace, "repository", repository, "wait", time.Since(start))
			return &Lock{conn: conn, key: key}, nil
		}

		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ErrBusy
		case <-time.After(pollInterval):
		}
	}
}

// Release releases the advisory lock and returns the connection to the
// pool. Safe to call on a nil Lock.
func (l *Lock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	// Best-effort: if the connection died, the session-scoped lock is
	// already gone along with it.
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
