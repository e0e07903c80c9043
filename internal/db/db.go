// Package db persists scan rows, findings and recurring-scan schedules in
// SQLite so the scan service survives restarts. The driver is picked at
// build time: mattn/go-sqlite3 under cgo, modernc.org/sqlite otherwise.
package db

import (
	"database/sql"
	"fmt"
)

// DB wraps the SQL connection pool.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database at path, creating it if needed, and runs
// any pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps the store and
	// scheduler from tripping over SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn}
	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}
