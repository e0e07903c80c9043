//go:build cgo

package db

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

// dsn carries the options every pooled connection needs: WAL journaling,
// foreign keys and a busy timeout. They ride the DSN because pragmas set
// with Exec only reach the connection that ran them.
func dsn(path string) string {
	return path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}
