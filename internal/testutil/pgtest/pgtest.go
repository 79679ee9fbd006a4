// Package pgtest connects integration tests to the database named by TEST_DATABASE.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

const EnvConnString = "TEST_DATABASE"

// Require skips the test in -short mode or when TEST_DATABASE is unset.
func Require(t testing.TB) string {
	t.Helper()
	connString := os.Getenv(EnvConnString)
	if testing.Short() || connString == "" {
		t.Skipf("set %s to run database integration tests", EnvConnString)
	}
	return connString
}

// Connect creates a new database connection for testing, closed on cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})
	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !conn.IsClosed() {
		require.NoError(t, conn.Close(ctx))
	}
}

// ParseConfig returns a test connection config that logs server notices.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	config, err := pgx.ParseConfig(Require(t))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}
