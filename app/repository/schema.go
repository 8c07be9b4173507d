package repository

import (
	"context"
	"database/sql"
	"fmt"
)

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

var schemas = map[Dialect][]string{
	DialectMySQL: {`
		CREATE TABLE IF NOT EXISTS delayed_jobs (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
			priority INT NOT NULL DEFAULT 0,
			queue_name VARCHAR(255) NULL,
			payload MEDIUMTEXT NOT NULL,
			run_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			failed_at DATETIME(6) NULL,
			last_error TEXT NULL,
			KEY delayed_jobs_priority (priority, run_at)
		)
	`},
	DialectSQLite: {`
		CREATE TABLE IF NOT EXISTS delayed_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			priority INTEGER NOT NULL DEFAULT 0,
			queue_name TEXT,
			payload TEXT NOT NULL,
			run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			failed_at DATETIME,
			last_error TEXT
		)
	`, `CREATE INDEX IF NOT EXISTS delayed_jobs_priority ON delayed_jobs(priority, run_at)`},
}

// ParseDialect maps a driver name to a schema dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectMySQL, DialectSQLite:
		return Dialect(driver), nil
	default:
		return "", fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// EnsureSchema creates the delayed_jobs table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	statements, ok := schemas[dialect]
	if !ok {
		return fmt.Errorf("unsupported store dialect: %s", dialect)
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s schema: %w", dialect, err)
		}
	}
	return nil
}
