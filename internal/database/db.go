// Package database wraps the sqlx connection behind an interface so
// repositories can be exercised against a test double, and owns connection
// setup plus schema migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Ramsey-B/yarrow/config"
	"github.com/Ramsey-B/yarrow/pkg/errors"
)

// DB is the subset of sqlx.DB the repositories use.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Unsafe() *sqlx.DB
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

// Connect opens the Postgres pool described by the environment configuration
// and verifies it with a bounded retry loop.
func Connect(ctx context.Context, cfg config.Config, logger ectologger.Logger) (DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Open(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, errors.NewBackendError("failed to open database: %s",
			errors.Redact(err.Error(), cfg.Secrets()...))
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	attempts := cfg.DatabaseReconnectRetryCount
	if attempts < 1 {
		attempts = 1
	}
	var pingErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}
		logger.WithError(pingErr).Warnf("Database ping failed, attempt %d/%d", attempt, attempts)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, errors.NewCancelled("database connect cancelled: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, errors.NewBackendError("database unreachable: %s",
			errors.Redact(pingErr.Error(), cfg.Secrets()...))
	}

	logger.WithFields(map[string]any{
		"host": cfg.DatabaseHost,
		"name": cfg.DatabaseName,
	}).Info("Connected to database")
	return NewDatabaseInstance(db, logger), nil
}
