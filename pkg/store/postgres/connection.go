// Package postgres is the PostgreSQL-backed Persistent Store (spec §4.5),
// built on jackc/pgx and jmoiron/sqlx with schema migrations run by
// pressly/goose.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config describes how to connect to the Postgres-backed attempt/pattern
// store.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sane defaults for a single-node home-lab deployment.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "warden",
		Database:        "warden",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays WARDEN_DB_* environment variables onto cfg.
func (cfg Config) LoadFromEnv() Config {
	if v := os.Getenv("WARDEN_DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("WARDEN_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("WARDEN_DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("WARDEN_DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("WARDEN_DB_NAME"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("WARDEN_DB_SSL_MODE"); v != "" {
		cfg.SSLMode = v
	}
	return cfg
}

func (cfg Config) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// connectBackoff: base 1s, cap 30s, up to 10 attempts (spec §4.5).
const (
	connectBase     = 1 * time.Second
	connectCap      = 30 * time.Second
	connectMaxTries = 10
)

// Connect opens a connection pool, retrying with exponential backoff per
// spec §4.5. A failed partial pool is fully torn down before each retry.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	wait := connectBase
	var lastErr error
	for attempt := 1; attempt <= connectMaxTries; attempt++ {
		db, err := sqlx.Open("pgx", cfg.dsn())
		if err != nil {
			lastErr = err
		} else {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = db.PingContext(pingCtx)
			cancel()
			if err == nil {
				return db, nil
			}
			_ = db.Close() // tear down the partial pool before retrying
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > connectCap {
			wait = connectCap
		}
	}
	return nil, fmt.Errorf("connect to postgres after %d attempts: %w", connectMaxTries, lastErr)
}

// Migrate applies every embedded migration to db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
