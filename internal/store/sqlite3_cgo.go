//go:build cgo

package store

// The cgo SQLite driver registers itself as "sqlite3". Builds without cgo
// only get the pure-Go "sqlite" driver.
import _ "github.com/mattn/go-sqlite3"
