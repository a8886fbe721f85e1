// Package postgres opens the task journal database and applies its schema.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/crabzie/agent-orchestrator/config/storage/postgresql/migrations"
	config "github.com/crabzie/agent-orchestrator/config/utils"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	zaptracer "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// journalMaxConns bounds the pool, the journal writes from a single sink goroutine.
const journalMaxConns = 4

// DB is the journal connection pool. Queries are traced through zap at debug level.
type DB struct {
	*pgxpool.Pool
	url string
}

// DSN builds the connection url of cfg, escaping the credentials.
func DSN(cfg *config.DB) string {
	u := url.URL{
		Scheme:   cfg.Connection,
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func poolConfig(dsn string, log *zap.Logger) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = journalMaxConns
	cfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   zaptracer.NewLogger(log),
		LogLevel: tracelog.LogLevelDebug,
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	cfg.ConnConfig.StatementCacheCapacity = 0
	return cfg, nil
}

// New connects to the journal database and checks it answers.
func New(ctx context.Context, cfg *config.DB, log *zap.Logger) (*DB, error) {
	dsn := DSN(cfg)
	poolCfg, err := poolConfig(dsn, log)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Host, err)
	}
	return &DB{Pool: pool, url: dsn}, nil
}

// Migrate applies every pending journal migration.
func (db *DB) Migrate() error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, db.url)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Health pings the pool.
func (db *DB) Health(ctx context.Context) error {
	return db.Ping(ctx)
}
