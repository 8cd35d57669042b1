// Package attrstore persists control-plane state as attribute histories:
// append-only, multi-valued attributes keyed by object id, backed by SQLite
// for durability across restarts.
package attrstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store. It also records hunt assignments,
// using the primary key as the at-most-once atomicity boundary.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the attribute database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open attribute database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Attribute store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		-- Append-only attribute history
		CREATE TABLE IF NOT EXISTS attributes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			object_id TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attributes_lookup
		ON attributes(object_id, attribute, seq);

		-- One row per (hunt, client) dispatch; the primary key is the
		-- at-most-once boundary.
		CREATE TABLE IF NOT EXISTS assignments (
			hunt_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (hunt_id, client_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects (id, created_at) VALUES (?, ?)`,
		id, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to open object %s: %w", id, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, attribute string) ([]Value, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, created_at FROM attributes
		 WHERE object_id = ? AND attribute = ? ORDER BY seq`,
		id, attribute)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute %s/%s: %w", id, attribute, err)
	}
	defer rows.Close()

	var history []Value
	for rows.Next() {
		var data string
		var createdAt int64
		if err := rows.Scan(&data, &createdAt); err != nil {
			return nil, err
		}
		history = append(history, Value{Data: data, Timestamp: time.Unix(0, createdAt)})
	}
	return history, rows.Err()
}

func (s *SQLiteStore) Set(ctx context.Context, id, attribute, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attributes WHERE object_id = ? AND attribute = ?`,
		id, attribute); err != nil {
		return fmt.Errorf("failed to clear attribute %s/%s: %w", id, attribute, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attributes (object_id, attribute, value, created_at) VALUES (?, ?, ?, ?)`,
		id, attribute, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set attribute %s/%s: %w", id, attribute, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, id, attribute, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO attributes (object_id, attribute, value, created_at) VALUES (?, ?, ?, ?)`,
		id, attribute, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to append attribute %s/%s: %w", id, attribute, err)
	}
	return nil
}

// TryAssign records the (hunt, client) pair if absent. Returns true when
// this call inserted the row, false when the pair was already assigned.
func (s *SQLiteStore) TryAssign(ctx context.Context, huntID, clientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (hunt_id, client_id, created_at) VALUES (?, ?, ?)`,
		huntID, clientID, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to assign %s to %s: %w", clientID, huntID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 1, nil
}

// Unassign removes a recorded pair. Used only to roll back an assignment
// that lost the capacity check, keeping the client eligible later.
func (s *SQLiteStore) Unassign(ctx context.Context, huntID, clientID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM assignments WHERE hunt_id = ? AND client_id = ?`,
		huntID, clientID); err != nil {
		return fmt.Errorf("failed to unassign %s from %s: %w", clientID, huntID, err)
	}
	return nil
}

// Assignments lists the clients assigned to a hunt.
func (s *SQLiteStore) Assignments(ctx context.Context, huntID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id FROM assignments WHERE hunt_id = ? ORDER BY created_at`,
		huntID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments for %s: %w", huntID, err)
	}
	defer rows.Close()

	var clients []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, err
		}
		clients = append(clients, clientID)
	}
	return clients, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
