// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the configured database, pings it and applies the schema.
// Postgres is the production store; SQLite serves local runs and tests.
func Open(ctx context.Context, driver, dsn string, log zerolog.Logger) (*sql.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverPostgres:
		conn, err = sql.Open("postgres", dsn)
		if err == nil {
			conn.SetMaxOpenConns(20)
			conn.SetConnMaxIdleTime(5 * time.Minute)
		}
	case DriverSQLite:
		conn, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// SQLite serialises writers; one connection avoids SQLITE_BUSY.
			conn.SetMaxOpenConns(1)
			conn.SetMaxIdleConns(1)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	if err := Migrate(ctx, conn, driver); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("connected to database")
	return conn, nil
}

// Migrate applies the embedded schema for driver. Every statement is idempotent.
func Migrate(ctx context.Context, conn *sql.DB, driver string) error {
	schema, err := migrationsFS.ReadFile("migrations/" + driver + ".sql")
	if err != nil {
		return fmt.Errorf("read %s schema: %w", driver, err)
	}
	if _, err := conn.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply %s schema: %w", driver, err)
	}
	return nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
