// Package store is the relational layer: every table contract from the
// schema lives behind one of its typed accessors. All mutations that must be
// atomic (commit creation, merge) run inside transactions here; callers never
// see raw driver errors, only tagged api errors.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/plectr/plectr/pkg/api"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MaxConns bounds the pool; handlers block on acquisition rather than
// stampeding the database.
const MaxConns = 50

// Store wraps the database pool.
type Store struct {
	db *sqlx.DB
}

// New connects to databaseURL and applies pending migrations.
func New(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing handle; used by tests with sqlmock.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on any error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return api.WrapError(api.KindInternal, err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return api.WrapError(api.KindOf(err), err, "rollback failed after: %v", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return api.WrapError(api.KindInternal, err, "failed to commit transaction")
	}
	return nil
}

// isUniqueViolation detects Postgres duplicate-key failures (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func internal(err error, format string, args ...interface{}) error {
	return api.WrapError(api.KindInternal, err, format, args...)
}
