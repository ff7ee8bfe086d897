package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/Kobia22/lanesParkin-sub001/internal/config"
	"github.com/Kobia22/lanesParkin-sub001/internal/repository"
)

func NewDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// errorCode extracts the SQLSTATE from either driver's error type.
func errorCode(err error) pq.ErrorCode {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pq.ErrorCode(pgErr.Code)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// classify maps driver errors onto the repository sentinels. op names the failing
// method for the wrapped error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	switch errorCode(err).Name() {
	case "unique_violation":
		return fmt.Errorf("%s: %w: %v", op, repository.ErrDuplicateEntry, err)
	case "serialization_failure", "deadlock_detected":
		return fmt.Errorf("%s: %w: %v", op, repository.ErrConflict, err)
	case "foreign_key_violation":
		return fmt.Errorf("%s: %w: %v", op, repository.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
