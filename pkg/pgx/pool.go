package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultApplicationName is reported in pg_stat_activity for relay sessions.
const DefaultApplicationName = "pgrelay"

var ErrNoConnString = errors.New("either Config or ConnString must be provided")

// Pool represents a connection pool configuration.
type Pool struct {
	Config          *pgxpool.Config // Takes precedence over ConnString
	ConnString      string          // Used if Config is nil
	MaxConns        int32
	ApplicationName string
}

// NewPool creates a pool and pings it, so configuration and reachability errors
// surface before first use.
func NewPool(ctx context.Context, cfg Pool) (*pgxpool.Pool, error) {
	config, err := cfg.config()
	if err != nil {
		return nil, fmt.Errorf("pgx: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping connection: %w", err)
	}
	return pool, nil
}

func (p Pool) config() (*pgxpool.Config, error) {
	var config *pgxpool.Config
	switch {
	case p.Config != nil:
		config = p.Config.Copy()
	case p.ConnString != "":
		var err error
		if config, err = pgxpool.ParseConfig(p.ConnString); err != nil {
			return nil, fmt.Errorf("parse connection string: %w", err)
		}
	default:
		return nil, ErrNoConnString
	}

	if p.MaxConns > 0 {
		config.MaxConns = p.MaxConns
	}
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		name := p.ApplicationName
		if name == "" {
			name = DefaultApplicationName
		}
		config.ConnConfig.RuntimeParams["application_name"] = name
	}
	return config, nil
}
