package store

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-pipeline/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*sqlStore
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Open(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return newPostgresFromPool(pool), nil
}

func newPostgresFromPool(pool db.Pool) *PostgresStore {
	s := &PostgresStore{pool: pool}
	s.sqlStore = newSQLStore("postgres", pgConn{q: pool}, s.withTx, sq.Dollar)
	return s
}

// Pool returns the underlying database pool for subsystems that need direct
// access (the change notifier).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(c conn) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgConn{q: tx})
	})
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	brand             TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	year              TEXT NOT NULL DEFAULT '',
	dimensions        TEXT NOT NULL DEFAULT '',
	key_features      JSONB NOT NULL DEFAULT '[]',
	amazon_price      DOUBLE PRECISION,
	ebay_price        DOUBLE PRECISION,
	msrp              DOUBLE PRECISION,
	competitive_price DOUBLE PRECISION,
	status            TEXT NOT NULL DEFAULT 'uploaded',
	current_stage     INTEGER NOT NULL DEFAULT 1,
	ai_confidence     DOUBLE PRECISION,
	pipeline_running  BOOLEAN NOT NULL DEFAULT false,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
CREATE INDEX IF NOT EXISTS idx_products_created_at ON products(created_at DESC);

CREATE TABLE IF NOT EXISTS product_images (
	id           TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	url          TEXT NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	is_primary   BOOLEAN NOT NULL DEFAULT false,
	position     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_product_images_product_id ON product_images(product_id);

CREATE TABLE IF NOT EXISTS pipeline_phases (
	product_id    TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	stage         INTEGER NOT NULL CHECK (stage BETWEEN 1 AND 4),
	status        TEXT NOT NULL DEFAULT 'pending',
	can_start     BOOLEAN NOT NULL DEFAULT false,
	progress      INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	stopped_at    TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (product_id, stage)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_phases_one_running
	ON pipeline_phases(product_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_pipeline_phases_pending
	ON pipeline_phases(updated_at) WHERE status = 'pending' AND can_start;

CREATE TABLE IF NOT EXISTS pipeline_logs (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	stage      INTEGER NOT NULL DEFAULT 0,
	level      TEXT NOT NULL DEFAULT 'info',
	message    TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	details    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_logs_product ON pipeline_logs(product_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pipeline_logs_created_at ON pipeline_logs(created_at);

CREATE TABLE IF NOT EXISTS product_analysis (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_market (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_seo (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_listing (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgConn struct {
	q pgQuerier
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return pgRow{row: c.q.QueryRow(ctx, query, args...)}
}

func (c pgConn) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type pgRow struct {
	row pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}
