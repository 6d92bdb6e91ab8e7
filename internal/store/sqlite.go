package store

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps per-connection pragmas in effect and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	s.sqlStore = newSQLStore("sqlite", sqliteConn{q: db}, s.withTx, sq.Question)
	return s, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteConn{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	brand             TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	year              TEXT NOT NULL DEFAULT '',
	dimensions        TEXT NOT NULL DEFAULT '',
	key_features      TEXT NOT NULL DEFAULT '[]',
	amazon_price      REAL,
	ebay_price        REAL,
	msrp              REAL,
	competitive_price REAL,
	status            TEXT NOT NULL DEFAULT 'uploaded',
	current_stage     INTEGER NOT NULL DEFAULT 1,
	ai_confidence     REAL,
	pipeline_running  INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
CREATE INDEX IF NOT EXISTS idx_products_created_at ON products(created_at);

CREATE TABLE IF NOT EXISTS product_images (
	id           TEXT PRIMARY KEY,
	product_id   TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	url          TEXT NOT NULL,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	is_primary   INTEGER NOT NULL DEFAULT 0,
	position     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_product_images_product_id ON product_images(product_id);

CREATE TABLE IF NOT EXISTS pipeline_phases (
	product_id    TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	stage         INTEGER NOT NULL CHECK (stage BETWEEN 1 AND 4),
	status        TEXT NOT NULL DEFAULT 'pending',
	can_start     INTEGER NOT NULL DEFAULT 0,
	progress      INTEGER NOT NULL DEFAULT 0,
	started_at    DATETIME,
	completed_at  DATETIME,
	stopped_at    DATETIME,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (product_id, stage)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_phases_one_running
	ON pipeline_phases(product_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS pipeline_logs (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	stage      INTEGER NOT NULL DEFAULT 0,
	level      TEXT NOT NULL DEFAULT 'info',
	message    TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	details    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pipeline_logs_product ON pipeline_logs(product_id, created_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_logs_created_at ON pipeline_logs(created_at);

CREATE TABLE IF NOT EXISTS product_analysis (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS product_market (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS product_seo (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS product_listing (
	product_id TEXT PRIMARY KEY REFERENCES products(id) ON DELETE CASCADE,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteConn struct {
	q sqlQuerier
}

func (c sqliteConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqliteConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return sqliteRow{row: c.q.QueryRowContext(ctx, query, args...)}
}

func (c sqliteConn) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{Rows: rows}, nil
}

type sqliteRow struct {
	row *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqliteRows struct {
	*sql.Rows
}

func (r sqliteRows) Close() {
	_ = r.Rows.Close()
}
