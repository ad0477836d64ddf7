package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// OpenPostgres connects to PostgreSQL through pgx and applies the goose
// migrations.
func OpenPostgres(ctx context.Context, dsn string, log zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations/postgres"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	log.Info().Msg("postgres schema up to date")

	return newPostgres(conn, dsn, log), nil
}

func newPostgres(conn *sql.DB, dsn string, log zerolog.Logger) *DB {
	return &DB{conn: conn, path: dsn, dialect: Postgres, log: log}
}
