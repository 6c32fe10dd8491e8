// Package storage provides persistent escrow storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "escrowd.db"

// Storage provides persistent storage for the escrow daemon. It implements
// escrow.Store and escrow.TransferJournal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Settings table (escrow id counter lives here)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Escrow records
	CREATE TABLE IF NOT EXISTS escrows (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,

		-- Immutables (hex-encoded 32-byte words, decimal amounts)
		order_hash TEXT NOT NULL,
		hashlock TEXT NOT NULL,
		maker TEXT NOT NULL,
		taker TEXT NOT NULL,
		token TEXT NOT NULL,
		amount TEXT NOT NULL,
		safety_deposit TEXT NOT NULL,
		timelocks TEXT NOT NULL,

		-- Local settlement
		recipient TEXT NOT NULL,
		ledger TEXT NOT NULL DEFAULT '',
		deployed_at INTEGER NOT NULL,

		-- Lifecycle
		secret TEXT,
		withdrawn INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,

		-- Counterpart monitoring
		counterpart_chain_id INTEGER NOT NULL DEFAULT 0,
		counterpart_address TEXT NOT NULL,
		auto_withdraw INTEGER NOT NULL DEFAULT 1,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_order ON escrows(order_hash);
	CREATE INDEX IF NOT EXISTS idx_escrows_active ON escrows(withdrawn, cancelled);

	-- Transfer journal (one row per ledger call)
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		escrow_id TEXT NOT NULL,
		kind TEXT NOT NULL,             -- withdraw, refund
		ledger TEXT NOT NULL DEFAULT '',
		to_addr TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,           -- succeeded, failed
		error_message TEXT,
		tx_hash TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (escrow_id) REFERENCES escrows(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_escrow ON transfers(escrow_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
