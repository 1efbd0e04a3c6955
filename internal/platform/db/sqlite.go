package db

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite database at the given path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// WAL gives concurrent readers while the pipeline writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	return db, nil
}

// SQLiteProbe builds a Probe for a SQLite handle.
func SQLiteProbe(db *sql.DB) Probe {
	return Probe{
		Driver: "sqlite",
		Ping:   func(ctx context.Context) error { return db.PingContext(ctx) },
		Stats:  func() interface{} { return db.Stats() },
	}
}
