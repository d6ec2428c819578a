package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction says which side of the relay produced an event.
const (
	DirectionClient = "client"
	DirectionServer = "server"
)

// Role says which peer kind the event belongs to.
const (
	RoleClient = "client"
	RoleAnchor = "anchor"
)

// StoredEvent is one persisted row of the append-only event log. Ordering
// within a thread is by ID; CreatedAt is wall-clock and informational only.
type StoredEvent struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId,omitempty"`
	Direction string          `json:"direction"`
	Role      string          `json:"role"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// ReadOptions control ReadThread.
type ReadOptions struct {
	// Limit caps the number of rows returned; zero means no limit.
	Limit int
	// Order is "asc" (default) or "desc" by insertion id.
	Order string
}

// Append durably inserts an event and returns its insertion id. The row is
// committed before Append returns, so a reader that sees the live broadcast
// for this event will also find it on replay.
func (s *Store) Append(ctx context.Context, ev StoredEvent) (int64, error) {
	if ev.ThreadID == "" {
		return 0, fmt.Errorf("store: append: thread id is required")
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}

	var turnID, method any
	if ev.TurnID != "" {
		turnID = ev.TurnID
	}
	if ev.Method != "" {
		method = ev.Method
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (thread_id, turn_id, direction, role, method, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ThreadID, turnID, ev.Direction, ev.Role, method, string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append event id: %w", err)
	}
	return id, nil
}

// ReadThread returns the events of a thread ordered by insertion id.
func (s *Store) ReadThread(ctx context.Context, threadID string, opts ReadOptions) ([]StoredEvent, error) {
	order := "ASC"
	if strings.EqualFold(opts.Order, "desc") {
		order = "DESC"
	}
	query := `
		SELECT id, thread_id, turn_id, direction, role, method, payload, created_at
		FROM events
		WHERE thread_id = ?
		ORDER BY id ` + order
	args := []any{threadID}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read thread %q: %w", threadID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Search returns the thread's events whose payload matches the FTS query,
// ordered by insertion id.
func (s *Store) Search(ctx context.Context, threadID, query string) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.thread_id, e.turn_id, e.direction, e.role, e.method, e.payload, e.created_at
		FROM events e
		JOIN events_fts f ON f.rowid = e.id
		WHERE e.thread_id = ? AND events_fts MATCH ?
		ORDER BY e.id ASC
	`, threadID, query)
	if err != nil {
		return nil, fmt.Errorf("store: search thread %q: %w", threadID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ExportJSON streams the thread's events to w as NDJSON, one StoredEvent per
// line, in insertion order.
func (s *Store) ExportJSON(ctx context.Context, threadID string, w io.Writer) error {
	events, err := s.ReadThread(ctx, threadID, ReadOptions{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("store: export thread %q: %w", threadID, err)
		}
	}
	return nil
}

// ExportMarkdown streams the thread's events to w as a human-readable
// markdown transcript.
func (s *Store) ExportMarkdown(ctx context.Context, threadID string, w io.Writer) error {
	events, err := s.ReadThread(ctx, threadID, ReadOptions{})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# Thread %s\n\n", threadID); err != nil {
		return err
	}
	for _, ev := range events {
		ts := time.Unix(ev.CreatedAt, 0).UTC().Format(time.RFC3339)
		header := fmt.Sprintf("## %d · %s · %s/%s", ev.ID, ts, ev.Role, ev.Direction)
		if ev.Method != "" {
			header += " · " + ev.Method
		}
		if _, err := fmt.Fprintf(w, "%s\n\n```json\n%s\n```\n\n", header, string(ev.Payload)); err != nil {
			return fmt.Errorf("store: export thread %q: %w", threadID, err)
		}
	}
	return nil
}

// Import re-inserts events under a freshly allocated thread id and returns
// it. Payload bytes and relative order are preserved; ids are re-assigned by
// insertion.
func (s *Store) Import(ctx context.Context, events []StoredEvent) (string, error) {
	newThreadID := "imported-" + uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: import begin: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		var turnID, method any
		if ev.TurnID != "" {
			turnID = ev.TurnID
		}
		if ev.Method != "" {
			method = ev.Method
		}
		createdAt := ev.CreatedAt
		if createdAt == 0 {
			createdAt = time.Now().Unix()
		}
		payload := ev.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (thread_id, turn_id, direction, role, method, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, newThreadID, turnID, ev.Direction, ev.Role, method, string(payload), createdAt); err != nil {
			return "", fmt.Errorf("store: import event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: import commit: %w", err)
	}
	return newThreadID, nil
}

// PruneEventsBefore deletes events older than cutoff and returns the number
// of rows removed. Retention is by age only; threads are never pruned
// selectively.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EventCount returns the total number of stored events.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: event count: %w", err)
	}
	return n, nil
}

// ThreadMetadata is the per-thread flag row.
type ThreadMetadata struct {
	ThreadID   string
	Archived   bool
	ArchivedAt *time.Time
	UpdatedAt  time.Time
}

// SetArchived flips the archive flag for a thread, creating the metadata row
// when absent.
func (s *Store) SetArchived(ctx context.Context, threadID string, archived bool) error {
	now := time.Now().Unix()
	var archivedAt any
	archivedInt := 0
	if archived {
		archivedInt = 1
		archivedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_metadata (thread_id, archived, archived_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			archived    = excluded.archived,
			archived_at = excluded.archived_at,
			updated_at  = excluded.updated_at
	`, threadID, archivedInt, archivedAt, now)
	if err != nil {
		return fmt.Errorf("store: set archived %q: %w", threadID, err)
	}
	return nil
}

// GetMetadata returns the metadata row for a thread, or nil when none exists.
func (s *Store) GetMetadata(ctx context.Context, threadID string) (*ThreadMetadata, error) {
	var m ThreadMetadata
	var archivedInt int
	var archivedAt sql.NullInt64
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, archived, archived_at, updated_at
		FROM thread_metadata WHERE thread_id = ?
	`, threadID).Scan(&m.ThreadID, &archivedInt, &archivedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get metadata %q: %w", threadID, err)
	}
	m.Archived = archivedInt != 0
	if archivedAt.Valid {
		t := time.Unix(archivedAt.Int64, 0)
		m.ArchivedAt = &t
	}
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var turnID, method sql.NullString
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &turnID, &ev.Direction, &ev.Role, &method, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event row: %w", err)
		}
		ev.TurnID = turnID.String
		ev.Method = method.String
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
