package store

import (
	"context"
	"embed"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/db"
	"github.com/onsite-teams/salesintel/internal/model"
)

//go:embed migrations
var migrations embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	sqlStore
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	if connString == "" {
		return nil, eris.New("postgres: database url is required")
	}
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Pin every session to UTC so timestamptz values scan back consistently.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIME ZONE 'UTC'")
		return eris.Wrap(err, "postgres: set time zone")
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		sqlStore: newSQLStore(pgConn{q: pool, begin: pool.Begin}, sq.Dollar),
		pool:     pool,
		closeFn:  closeFn,
	}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the embedded Postgres migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrations, "migrations/postgres"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertLeads merges synced leads through a COPY into a temp table.
func (s *PostgresStore) UpsertLeads(ctx context.Context, leads []model.SyncedLead) (int64, error) {
	rows, err := syncRows(leads, s.now)
	if err != nil {
		return 0, err
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "leads",
		Columns:      syncColumns,
		ConflictKeys: []string{"external_id"},
		UpdateCols:   syncUpdateColumns,
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert leads")
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgConn adapts a pool or a transaction. begin is nil inside a transaction.
type pgConn struct {
	q     pgExecer
	begin func(ctx context.Context) (pgx.Tx, error)
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	return c.q.Query(ctx, query, args...)
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return c.q.QueryRow(ctx, query, args...)
}

func (c pgConn) noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func (c pgConn) inTx(ctx context.Context, fn func(c conn) error) error {
	if c.begin == nil {
		return fn(c)
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(pgConn{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}
