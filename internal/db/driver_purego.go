//go:build !cgo

package db

import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// dsn carries the options every pooled connection needs: WAL journaling,
// foreign keys and a busy timeout. They ride the DSN because pragmas set
// with Exec only reach the connection that ran them.
func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
