package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an operation references a conversation that
// does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is the durable record of one voice conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one entry in a conversation's append-only timeline.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
	Type           string    `json:"type"`
	Payload        string    `json:"payload,omitempty"`
}

// EventFilter restricts the result of Events. Zero values mean "no filter".
type EventFilter struct {
	Source string
	Limit  int
}

// Store is a SQLite-backed conversation and event log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The mixer and signaling paths append concurrently with REST reads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new conversation and returns the full record.
func (s *Store) Create(ctx context.Context, name string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `INSERT INTO conversations (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.Name, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// Ensure returns the conversation with the given id, creating it with the
// given name if it does not exist. Session start uses this so a conversation
// record exists before its first event.
func (s *Store) Ensure(ctx context.Context, id, name string) (*Conversation, error) {
	conv, err := s.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &Conversation{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	query := `INSERT INTO conversations (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, name, now.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// Get returns a single conversation by id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, name, created_at, updated_at FROM conversations WHERE id = ?`

	var conv Conversation
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.Name, &createdMs, &updatedMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.CreatedAt = time.UnixMilli(createdMs)
	conv.UpdatedAt = time.UnixMilli(updatedMs)
	return &conv, nil
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	query := `SELECT id, name, created_at, updated_at FROM conversations ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	for rows.Next() {
		var conv Conversation
		var createdMs, updatedMs int64
		if err := rows.Scan(&conv.ID, &conv.Name, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.CreatedAt = time.UnixMilli(createdMs)
		conv.UpdatedAt = time.UnixMilli(updatedMs)
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// Append adds one event to a conversation's timeline and returns the assigned
// sequence number. The sequence assignment, the insert and the updated_at
// advance happen in a single transaction.
func (s *Store) Append(ctx context.Context, convID string, ev Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, convID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE conversation_id = ?`, convID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to assign sequence: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (conversation_id, seq, ts, source, type, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		convID, seq, ts.UnixMilli(), ev.Source, ev.Type, ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), convID)
	if err != nil {
		return 0, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return seq, nil
}

// Events returns a conversation's events in sequence order, optionally
// filtered by source and capped by limit.
func (s *Store) Events(ctx context.Context, convID string, filter EventFilter) ([]Event, error) {
	if _, err := s.Get(ctx, convID); err != nil {
		return nil, err
	}

	query := `SELECT conversation_id, seq, ts, source, type, payload FROM events WHERE conversation_id = ?`
	args := []interface{}{convID}

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var tsMs int64
		var payload sql.NullString
		if err := rows.Scan(&ev.ConversationID, &ev.Seq, &tsMs, &ev.Source, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(tsMs)
		ev.Payload = payload.String
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Delete removes a conversation and all of its events.
func (s *Store) Delete(ctx context.Context, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, convID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// CleanupInactive deletes every conversation whose updated_at is older than
// now-threshold, cascading to events, and returns the deleted ids. The cutoff
// is computed once up front; each row is then deleted with the cutoff re-checked
// in the DELETE itself, so a conversation that receives an event after the
// cutoff read survives.
func (s *Store) CleanupInactive(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale conversations: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return deleted, fmt.Errorf("failed to begin transaction: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ? AND updated_at < ?`, id, cutoff)
		if err != nil {
			tx.Rollback()
			return deleted, fmt.Errorf("failed to delete conversation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return deleted, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			// Revived by an append between the cutoff read and here.
			tx.Rollback()
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE conversation_id = ?`, id); err != nil {
			tx.Rollback()
			return deleted, fmt.Errorf("failed to delete events: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return deleted, fmt.Errorf("failed to commit: %w", err)
		}
		deleted = append(deleted, id)
	}

	return deleted, nil
}
