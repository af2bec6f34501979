// Package hot implements the low-latency tier on PostgreSQL. Writes are
// chunked idempotent upserts keyed by (site, point_name, ts); reads return
// per-point series sorted by timestamp.
package hot

import (
	"context"
	"time"

	"github.com/buildingvitals/tieredstore/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DB is the subset of pgxpool.Pool the hot tier uses. Tests substitute an
// in-memory fake.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store provides hot-tier reads and writes.
type Store struct {
	db     DB
	cfg    config.HotTierConfig
	logger *zap.Logger
}

// NewStore creates a hot-tier store over an existing connection pool.
func NewStore(db DB, cfg config.HotTierConfig, logger *zap.Logger) *Store {
	return &Store{db: db, cfg: cfg, logger: logger}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS samples (
	site       TEXT        NOT NULL,
	point_name TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (site, point_name, ts)
);
CREATE INDEX IF NOT EXISTS samples_site_ts ON samples (site, ts);
`

// EnsureSchema creates the samples table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, createTableSQL)
	return err
}

// Ping probes the backing database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// opCtx bounds a single store operation so one slow statement cannot stall
// a whole multi-chunk write or multi-tier query.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.OpTimeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
