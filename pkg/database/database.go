// Package database opens the SQL backends used by the registry mirror and the
// operation journal.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for the dialect. Queries in this module are
// written in Postgres form; SQLite gets the equivalent ?N ordinal form.
func (d Dialect) Rebind(query string) string {
	if d == SQLite {
		return dollarParam.ReplaceAllString(query, "?$1")
	}
	return query
}

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("database: unsupported driver %q", s)
}

// Open connects and pings.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("database: open %s: %w", d, err)
	}
	if d == SQLite {
		// modernc serialises writers per connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("database: ping %s: %w", d, err)
	}
	return db, d, nil
}
