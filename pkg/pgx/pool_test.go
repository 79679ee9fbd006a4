package pgx

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgrelay/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	t.Run("connection string", func(t *testing.T) {
		config, err := Pool{ConnString: "postgres://relay@localhost:5432/app", MaxConns: 3}.config()
		require.NoError(t, err)
		assert.Equal(t, int32(3), config.MaxConns)
		assert.Equal(t, DefaultApplicationName, config.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("explicit application name is kept", func(t *testing.T) {
		config, err := Pool{ConnString: "postgres://localhost/app?application_name=ops"}.config()
		require.NoError(t, err)
		assert.Equal(t, "ops", config.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("config takes precedence and is not mutated", func(t *testing.T) {
		base, err := pgxpool.ParseConfig("postgres://localhost/app")
		require.NoError(t, err)

		config, err := Pool{Config: base, ConnString: "::invalid::", ApplicationName: "triggers"}.config()
		require.NoError(t, err)
		assert.Equal(t, "triggers", config.ConnConfig.RuntimeParams["application_name"])
		assert.Empty(t, base.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("errors", func(t *testing.T) {
		_, err := Pool{}.config()
		assert.ErrorIs(t, err, ErrNoConnString)

		_, err = NewPool(context.Background(), Pool{ConnString: "postgres://localhost:5432/app?pool_max_conns=nope"})
		assert.Error(t, err)
	})
}

func TestNewPoolPostgres(t *testing.T) {
	connString := pgtest.Require(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, Pool{ConnString: connString})
	require.NoError(t, err)
	defer pool.Close()

	var name string
	require.NoError(t, pool.QueryRow(ctx, "SELECT current_setting('application_name')").Scan(&name))
	assert.Equal(t, DefaultApplicationName, name)

	require.NoError(t, Notify(ctx, pool, "pgrelay_pool_test", "{}"))
}
