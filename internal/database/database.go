// Package database persists users, prompts and generated digests in SQLite
// (default) or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ErrDuplicateDigest is returned by SaveDigest when a digest for the same
// prompt, cadence and window start already exists.
var ErrDuplicateDigest = errors.New("digest already exists for this window")

const timeLayout = time.RFC3339

// DB wraps a database connection.
type DB struct {
	conn    *sql.DB
	path    string
	dialect Dialect
	log     zerolog.Logger
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string, log zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(conn, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, dialect: SQLite, log: log}, nil
}

// Connect opens the database named by driver ("sqlite" or "postgres").
func Connect(ctx context.Context, driver, dsn string, log zerolog.Logger) (*DB, error) {
	switch Dialect(strings.ToLower(driver)) {
	case SQLite, "":
		return Open(dsn, log)
	case Postgres:
		return OpenPostgres(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path, or the DSN for PostgreSQL.
func (db *DB) Path() string {
	return db.path
}

// Dialect returns the SQL backend in use.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(q string) string {
	if db.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func now() string {
	return formatTime(time.Now())
}
