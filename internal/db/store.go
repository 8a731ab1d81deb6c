package db

import (
	"context"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	_ license.AdminStore  = (*DB)(nil)
	_ license.IssuerStore = (*DB)(nil)
)

// row is satisfied by pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

// scanner is an interface for row iteration (pgx.Rows, etc.)
type scanner interface {
	row
	Next() bool
	Err() error
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
