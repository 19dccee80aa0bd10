// Package objstore implements the Object Store component (spec.md §4.1):
// content-addressed fragment metadata/location registration, download and
// upload of payloads, and cleanup of unreferenced local payloads. It also
// owns the META schema's connection pool, shared by the Image Manager and
// Audit Facade, grounded on quay/claircore's datastore/postgres/connect.go
// pgxpool setup and the teacher's store.go retry/span conventions.
package objstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trase/splitgraph/internal/telemetry"
)

// MetaSchema is the fixed name of the relational schema holding engine
// metadata (spec.md §6): images, tables, tags, objects, object_locations,
// upstream, plus one physical payload table per registered object.
const MetaSchema = "splitgraph_meta"

// Store is the Object Store: a pgx connection pool over the META schema,
// plus the shared logger and metrics every other component borrows it
// for (Image Manager, Audit Facade, Sync Engine). Spans go through the
// package-level telemetry.Tracer, not through Store.
type Store struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// Options configures Store construction.
type Options struct {
	ApplicationName string
	MaxConns        int32
	Logger          *slog.Logger
	Registerer      prometheus.Registerer
}

// Open parses connString, builds a pool, and ensures the META schema and
// its tables exist. Mirrors claircore's Connect + the teacher's New.
func Open(ctx context.Context, connString string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("objstore: parse connection string: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	} else {
		cfg.MaxConns = 10
	}
	appName := opts.ApplicationName
	if appName == "" {
		appName = "splitgraph"
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("objstore: create pool: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	s := &Store{pool: pool, log: log, metrics: telemetry.NewMetrics(reg)}
	if err := s.withRetry(ctx, func() error { return s.migrate(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("objstore: migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pgx pool for components (Audit Facade,
// Image Manager) that need to issue their own queries against the META
// schema or a repository's working schema.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Metrics exposes the shared Prometheus collectors.
func (s *Store) Metrics() *telemetry.Metrics { return s.metrics }

// Log exposes the shared structured logger.
func (s *Store) Log() *slog.Logger { return s.log }

// withRetry retries transient connection errors with exponential backoff,
// grounded on the teacher's store.go withRetry/newServerRetryBackoff pair.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(newRetryBackoff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		s.log.Warn("objstore: retrying after transient error", "error", err)
		return err
	}, b)
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// isRetryable is conservative: connection-refused/reset style errors are
// retried, everything else (constraint violations, syntax errors) is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, frag := range []string{"connection refused", "connection reset", "broken pipe", "EOF", "i/o timeout", "too many connections"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
