// Package sqlite is the durable store: the 1-minute bar cache plus the
// ancillary tables (settings, annotations, strategies).
package sqlite

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams turn on WAL journaling, relaxed fsync and a 128 MiB page cache
// (negative cache_size is KiB units).
const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-131072"

// Store owns two handles over one database file: a single-connection writer
// and a small read pool, so bulk upserts never starve range reads.
type Store struct {
	w *sql.DB
	r *sql.DB

	// OnBatch, when set, is called after each committed bar batch with the
	// number of bars written.
	OnBatch func(n int)
}

// Open opens (creating if needed) the database at path and applies the
// schema. Failure here is fatal to the service; callers exit.
func Open(path string) (*Store, error) {
	w, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)

	if err := createSchema(w); err != nil {
		w.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	r, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	r.SetMaxOpenConns(2)

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{w: w, r: r}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars_1m (
			instrument TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     INTEGER NOT NULL,
			PRIMARY KEY (instrument, timeframe, ts)
		);

		CREATE TABLE IF NOT EXISTS settings (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS client_settings (
			client_id TEXT PRIMARY KEY,
			value     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS annotations (
			client_id  TEXT NOT NULL,
			unique_id  TEXT NOT NULL,
			instrument TEXT,
			timeframe  TEXT,
			annotype   TEXT,
			object     TEXT,
			PRIMARY KEY (client_id, unique_id)
		);

		CREATE TABLE IF NOT EXISTS strategies (
			client_id     TEXT PRIMARY KEY,
			strategy_name TEXT,
			description   TEXT,
			parameters    TEXT,
			subscribers   TEXT
		);
	`)
	return err
}

// DB returns the writer handle for health checks.
func (s *Store) DB() *sql.DB { return s.w }

// Close closes both handles.
func (s *Store) Close() error {
	rerr := s.r.Close()
	if err := s.w.Close(); err != nil {
		return err
	}
	return rerr
}
