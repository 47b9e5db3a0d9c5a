// Package db holds the Postgres persistence layer: the queued_messages
// repository backing the notification queue, the users directory lookup, and
// the delivery_otps store. Schema lives in schema.sql.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the query surface the repositories need. *pgxpool.Pool satisfies
// it for normal operation and pgx.Tx satisfies it when a caller wants a
// claim-and-update sequence inside one transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
