package store

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqlStore
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", withTimeFormat(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		sqlStore: newSQLStore(sqlConn{q: db, db: db}, sq.Question),
		db:       db,
	}, nil
}

// withTimeFormat makes the driver write sortable timestamps.
func withTimeFormat(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate runs every embedded SQLite migration. The scripts are idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations/sqlite")
	if err != nil {
		return eris.Wrap(err, "sqlite: read migrations")
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(migrations, "migrations/sqlite/"+entry.Name())
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", entry.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "sqlite: migrate %s", entry.Name())
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlConn adapts a *sql.DB or *sql.Tx. db is nil inside a transaction.
type sqlConn struct {
	q  sqlExecer
	db *sql.DB
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (rowIter, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return c.q.QueryRowContext(ctx, query, args...)
}

func (c sqlConn) noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (c sqlConn) inTx(ctx context.Context, fn func(c conn) error) error {
	if c.db == nil {
		return fn(c)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlConn{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}
