// Package pgx holds the PostgreSQL side of the relay: the LISTEN session feeding change
// events, pg_notify, the notify trigger installer and connection pools.
package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx, so helpers such as Notify and
// InstallTriggers run the same against a single session, a pool or an open transaction.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin starts a transaction. The context only affects the begin command.
	Begin(ctx context.Context) (pgx.Tx, error)
}

