// Package db owns the qrlogin schema: embedded goose migrations and the
// helpers that apply them to a pgx pool.
package db

import (
	"context"
	"embed"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migrate applies all pending migrations to the database behind pool.
// goose needs database/sql, so it opens a short-lived pgx stdlib handle
// from the pool's connection string.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db: nil pool")
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", pool.Config().ConnConfig.ConnString())
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()

	return goose.UpContext(ctx, sqlDB, migrationsDir)
}

// Version reports the current schema version.
func Version(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	if pool == nil {
		return 0, errors.New("db: nil pool")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", pool.Config().ConnConfig.ConnString())
	if err != nil {
		return 0, err
	}
	defer func() { _ = sqlDB.Close() }()

	return goose.GetDBVersionContext(ctx, sqlDB)
}
