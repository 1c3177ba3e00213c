package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// SQLite is a StorageAdapter backed by a single snapshots table in a SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (creating if absent) path and ensures the snapshots table exists.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS noex_snapshots (
		key TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		metadata TEXT
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Save(key string, state []byte, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO noex_snapshots (key, state, metadata) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET state = excluded.state, metadata = excluded.metadata`,
		key, state, string(meta),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Load(key string) ([]byte, map[string]any, bool, error) {
	row := s.db.QueryRow(`SELECT state, metadata FROM noex_snapshots WHERE key = ?`, key)
	var state []byte
	var metaText sql.NullString
	if err := row.Scan(&state, &metaText); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("load snapshot %q: %w", key, err)
	}
	var metadata map[string]any
	if metaText.Valid && metaText.String != "" {
		if err := json.Unmarshal([]byte(metaText.String), &metadata); err != nil {
			s.logger.Warn("failed to decode snapshot metadata", zap.String("key", key), zap.Error(err))
		}
	}
	return state, metadata, true, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
