package data

import (
	"context"
	"database/sql"
	"time"

	"phashguard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewAuditRepo,
	NewRedisCache,
	NewBenignCache,
	NewChatRepo,
	NewDocumentRepo,
	NewModerator,
	NewClassifierProviders,
)

// Data holds the optional audit database. Pool is nil when no source is
// configured.
type Data struct {
	Pool *pgxpool.Pool
}

// NewData connects to postgres and applies migrations.
func NewData(c *conf.Data, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data"))
	if c.Database.Source == "" {
		helper.Info("no database configured, audit entries are kept in memory")
		return &Data{}, func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pgxConfig, err := newPgxPoolConfig(c)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	db, err := sql.Open(c.Database.Driver, c.Database.Source)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	defer db.Close()
	if err := RunMigrate(c, db); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		helper.Info("closing db connections")
		pool.Close()
	}
	return &Data{Pool: pool}, cleanup, nil
}

// newPgxPoolConfig creates a pgxpool.Config from conf.Data
func newPgxPoolConfig(c *conf.Data) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.Database.Source)
	if err != nil {
		return nil, err
	}
	pool := c.Database.Pool
	if pool.MaxOpenConns > 0 {
		cfg.MaxConns = pool.MaxOpenConns
	}
	if pool.MinIdleConns > 0 {
		cfg.MinConns = pool.MinIdleConns
	}
	if pool.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = time.Duration(pool.MaxConnLifetime) * time.Minute
	}
	if pool.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = time.Duration(pool.MaxConnIdleTime) * time.Minute
	}
	return cfg, nil
}
