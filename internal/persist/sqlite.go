package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	_ "modernc.org/sqlite" // register sqlite driver
)

// DatabaseFile is the sqlite file created inside the state directory.
const DatabaseFile = "tanaka.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore keeps records in a single sqlite table.
type SQLiteStore struct {
	db  *sql.DB
	log pslog.Logger
}

// NewSQLiteStore opens (or creates) the database inside dir. Use ":memory:"
// for an in-memory database.
func NewSQLiteStore(dir string, logger pslog.Logger) (*SQLiteStore, error) {
	dbPath := dir
	if dir != ":memory:" {
		if dir == "" {
			return nil, errors.New("state directory is required")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		dbPath = filepath.Join(dir, DatabaseFile)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run schema migrations: %w", err)
	}
	if logger != nil {
		logger = logger.With("state_db", dbPath)
	}
	return &SQLiteStore{db: db, log: logger}, nil
}

// Load reads a record.
func (s *SQLiteStore) Load(ctx context.Context, key string, out any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		if s.log != nil {
			s.log.Debug("state load miss", "key", key)
		}
		return false, nil
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, err
	}
	return true, nil
}

// Save upserts a record.
func (s *SQLiteStore) Save(ctx context.Context, key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, q, key, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "key", key, "err", err)
		}
		return fmt.Errorf("save %s: %w", key, err)
	}
	if s.log != nil {
		s.log.Trace("state save ok", "key", key, "bytes", len(data))
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
