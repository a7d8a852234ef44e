package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	identity   TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at databasePath and
// prepares the snapshot table. Use ":memory:" in tests.
func NewSQLiteStore(databasePath string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", databasePath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec(createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, identity string) (*Session, error) {
	var snapshotJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM session_snapshots WHERE identity = ?`, identity,
	).Scan(&snapshotJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snapshot Session
	if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.logger.Debug("session snapshot loaded", zap.String("identity", identity))
	return &snapshot, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, snapshot *Session) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (identity, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snapshot.Identity, string(snapshotJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("session snapshot saved", zap.String("identity", snapshot.Identity))
	return nil
}
