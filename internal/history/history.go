// Package history persists the chat transcript for the life of one client
// run, mirroring the tab-session storage of the web client: survives surface
// remounts, wiped by the clear-history action.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/storebay/supportchat/internal/domain"
	"github.com/storebay/supportchat/internal/shared"
)

// SessionKey is the fixed storage key for the support widget transcript.
const SessionKey = "chatSupport_history"

// Store is the transcript persistence interface.
type Store interface {
	Load(ctx context.Context) ([]domain.LocalChatEntry, error)
	Replace(ctx context.Context, entries []domain.LocalChatEntry) error
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// NewSQLite opens (creating if needed) the transcript database.
func NewSQLite(dbPath, sessionKey string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	store := &SQLiteStore{db: db, key: sessionKey}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_history (
		session_key TEXT NOT NULL,
		position INTEGER NOT NULL,
		entry_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_key, position)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	return nil
}

// Load returns the stored transcript in display order.
func (s *SQLiteStore) Load(ctx context.Context) ([]domain.LocalChatEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_json FROM chat_history WHERE session_key = ? ORDER BY position`, s.key)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var entries []domain.LocalChatEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var entry domain.LocalChatEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// A corrupt row loses one line, not the whole transcript.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Replace swaps the stored transcript for the given one atomically.
func (s *SQLiteStore) Replace(ctx context.Context, entries []domain.LocalChatEntry) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.replaceOnce(ctx, entries); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("replace history: %w", err)
}

func (s *SQLiteStore) replaceOnce(ctx context.Context, entries []domain.LocalChatEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_history WHERE session_key = ?`, s.key); err != nil {
		return fmt.Errorf("clear old history: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode history entry: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chat_history (session_key, position, entry_json, updated_at) VALUES (?, ?, ?, ?)`,
			s.key, i, string(raw), now)
		if err != nil {
			return fmt.Errorf("insert history entry: %w", err)
		}
	}
	return tx.Commit()
}

// Clear removes the transcript for this session key.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE session_key = ?`, s.key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
