// Package candlestore is the bounded-window SQLite-backed candle and
// liquidity-sample store (persistent candle rows, MAX_KLINES=500 per key).
package candlestore

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store holds the writer and reader connections to the klines database.
type Store struct {
	writeDB   *sql.DB
	readDB    *sql.DB
	maxKlines int
	log       *slog.Logger
}

// Config configures the store.
type Config struct {
	DBPath    string
	MaxKlines int // default 500 per primary_key
}

// Open opens (and migrates) the klines database, returning a Store with a
// single writer connection and a small read-only pool, following the
// writer/reader split used throughout the rest of this codebase's SQLite
// access.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.MaxKlines <= 0 {
		cfg.MaxKlines = 500
	}
	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("candlestore: open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	if err := createSchema(writeDB); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("candlestore: schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("candlestore: open reader: %w", err)
	}
	readDB.SetMaxOpenConns(2)
	readDB.SetMaxIdleConns(2)

	log.Info("candlestore opened", "path", cfg.DBPath, "max_klines", cfg.MaxKlines)
	return &Store{writeDB: writeDB, readDB: readDB, maxKlines: cfg.MaxKlines, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS klines (
			primary_key TEXT    NOT NULL,
			time        INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL    NOT NULL,
			PRIMARY KEY (primary_key, time)
		);

		CREATE TABLE IF NOT EXISTS liquidity_history_1m (
			address     TEXT    NOT NULL,
			time_bucket INTEGER NOT NULL,
			value       REAL    NOT NULL,
			PRIMARY KEY (address, time_bucket)
		);
	`)
	return err
}

// DB returns the writer connection, for health checks only.
func (s *Store) DB() *sql.DB { return s.writeDB }

// Close closes both connections.
func (s *Store) Close() error {
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
