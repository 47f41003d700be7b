package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable is the goose version table used by Migrate
const MigrationsTable = "featuregate_schema_migrations"

// Migrate applies the ledger schema with goose.
// goose works on database/sql, so the pgx pool is bridged through the stdlib driver.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log featuregate.Logger) error {
	if log == nil {
		log = &featuregate.NoopLogger{}
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.Warn("failed to close migration connection", featuregate.Field{Key: "error", Value: err})
		}
	}(db)

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{log: log})
	goose.SetTableName(MigrationsTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose's Printf-style output through the engine logger
type gooseLogger struct {
	log featuregate.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

// Migrate applies the ledger schema on the storage's own pool
func (s *Storage) Migrate(ctx context.Context, log featuregate.Logger) error {
	return Migrate(ctx, s.pool, log)
}
