// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package syncdb replicates conversation history to a secondary SQLite
// store shared across devices.
package syncdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/morganforge/kestrel/internal/model"
)

var (
	ErrDatabaseError = errors.New("history database error")

	// ErrSyncInProgress is returned when a sync pass is requested while one
	// is already running. Passes are rejected, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// =============================================================================
// HISTORY STORE INTERFACE
// =============================================================================

// HistoryStore is the secondary conversation history store.
//
// Writes are upserts keyed by message ID, which makes every sync pass
// idempotent: replaying the same batch any number of times converges on the
// same rows.
type HistoryStore interface {
	// UploadBatch writes the records in one transaction. Returns how many
	// rows were newly inserted vs refreshed in place. On error, nothing is
	// committed.
	UploadBatch(ctx context.Context, records []model.SyncRecord) (inserted, updated int, err error)

	// FetchSince returns records created after the cursor, oldest first,
	// capped at limit.
	FetchSince(ctx context.Context, cursor time.Time, limit int) ([]model.SyncRecord, error)

	// Close releases the underlying database.
	Close() error
}

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore implements HistoryStore on a local SQLite file. The same file
// may be written by several devices (via file sync tooling); upsert-by-ID
// keeps concurrent histories from duplicating.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if necessary creates) the history database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_history (
		id               TEXT PRIMARY KEY,
		sender           TEXT NOT NULL,
		message          TEXT NOT NULL,
		timestamp        TEXT NOT NULL,
		created_at       DATETIME NOT NULL,
		response_time_ms INTEGER,
		session_id       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_created_at
		ON conversation_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_session
		ON conversation_history(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrDatabaseError, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UploadBatch writes records in one transaction with upsert semantics.
func (s *SQLiteStore) UploadBatch(ctx context.Context, records []model.SyncRecord) (int, int, error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: failed to begin transaction: %v", ErrDatabaseError, err)
	}
	// Rollback is a no-op after a successful commit.
	defer tx.Rollback()

	existing, err := s.existingIDs(ctx, tx, records)
	if err != nil {
		return 0, 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_history
			(id, sender, message, timestamp, created_at, response_time_ms, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender           = excluded.sender,
			message          = excluded.message,
			timestamp        = excluded.timestamp,
			created_at       = excluded.created_at,
			response_time_ms = excluded.response_time_ms,
			session_id       = excluded.session_id`)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: failed to prepare upsert: %v", ErrDatabaseError, err)
	}
	defer stmt.Close()

	inserted, updated := 0, 0
	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.Sender,
			rec.Message,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.CreatedAt.UTC(),
			rec.ResponseTime.Milliseconds(),
			rec.SessionID,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: failed to upsert record %s: %v", ErrDatabaseError, rec.ID, err)
		}
		if _, ok := existing[rec.ID]; ok {
			updated++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("%w: failed to commit: %v", ErrDatabaseError, err)
	}
	return inserted, updated, nil
}

// existingIDs returns which of the batch's IDs are already stored.
func (s *SQLiteStore) existingIDs(ctx context.Context, tx *sql.Tx, records []model.SyncRecord) (map[string]struct{}, error) {
	placeholders := make([]string, len(records))
	args := make([]interface{}, len(records))
	for i, rec := range records {
		placeholders[i] = "?"
		args[i] = rec.ID
	}

	query := fmt.Sprintf(
		"SELECT id FROM conversation_history WHERE id IN (%s)",
		strings.Join(placeholders, ","))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query existing IDs: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: failed to scan ID: %v", ErrDatabaseError, err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// FetchSince returns records created after cursor, oldest first.
func (s *SQLiteStore) FetchSince(ctx context.Context, cursor time.Time, limit int) ([]model.SyncRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, message, timestamp, created_at, response_time_ms, session_id
		FROM conversation_history
		WHERE created_at > ?
		ORDER BY created_at ASC
		LIMIT ?`,
		cursor.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query history: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var records []model.SyncRecord
	for rows.Next() {
		var (
			rec       model.SyncRecord
			timestamp string
			millis    sql.NullInt64
			session   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Message, &timestamp, &rec.CreatedAt, &millis, &session); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %v", ErrDatabaseError, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			rec.Timestamp = ts
		} else {
			rec.Timestamp = rec.CreatedAt
		}
		if millis.Valid {
			rec.ResponseTime = time.Duration(millis.Int64) * time.Millisecond
		}
		if session.Valid {
			rec.SessionID = session.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the total number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: failed to count records: %v", ErrDatabaseError, err)
	}
	return n, nil
}
