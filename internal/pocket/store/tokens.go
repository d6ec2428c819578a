package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Token session modes.
const (
	ModeFull     = "full"
	ModeReadOnly = "read_only"
)

// ErrTokenSessionNotFound is returned when no live session matches a lookup.
var ErrTokenSessionNotFound = errors.New("store: token session not found")

// TokenSession is one per-device session token row. Only the sha-256 hash of
// the secret is stored; the raw token is shown once at mint and never again.
type TokenSession struct {
	ID         string
	TokenHash  string
	Label      string
	Mode       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the session has been revoked.
func (ts *TokenSession) Revoked() bool {
	return ts.RevokedAt != nil
}

// CreateTokenSession persists a new session row.
func (s *Store) CreateTokenSession(ctx context.Context, id, tokenHash, label, mode string) (*TokenSession, error) {
	if mode != ModeFull && mode != ModeReadOnly {
		return nil, fmt.Errorf("store: invalid token session mode %q", mode)
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_sessions (id, token_hash, label, mode, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, tokenHash, label, mode, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: create token session: %w", err)
	}
	return &TokenSession{
		ID:        id,
		TokenHash: tokenHash,
		Label:     label,
		Mode:      mode,
		CreatedAt: now,
	}, nil
}

// LookupTokenSession resolves an unrevoked session by token hash and stamps
// last_used_at. Revoked sessions resolve to ErrTokenSessionNotFound so a
// revoked token is indistinguishable from an unknown one.
func (s *Store) LookupTokenSession(ctx context.Context, tokenHash string) (*TokenSession, error) {
	ts, err := s.scanTokenSession(s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, label, mode, created_at, last_used_at, revoked_at
		FROM token_sessions
		WHERE token_hash = ? AND revoked_at IS NULL
	`, tokenHash))
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE token_sessions SET last_used_at = ? WHERE id = ?`,
		time.Now().Unix(), ts.ID); err != nil {
		return nil, fmt.Errorf("store: touch token session: %w", err)
	}
	return ts, nil
}

// GetTokenSession returns a session by id regardless of revocation state.
func (s *Store) GetTokenSession(ctx context.Context, id string) (*TokenSession, error) {
	return s.scanTokenSession(s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, label, mode, created_at, last_used_at, revoked_at
		FROM token_sessions
		WHERE id = ?
	`, id))
}

// ListTokenSessions returns all sessions, newest first.
func (s *Store) ListTokenSessions(ctx context.Context) ([]*TokenSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_hash, label, mode, created_at, last_used_at, revoked_at
		FROM token_sessions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list token sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TokenSession
	for rows.Next() {
		ts, err := scanTokenSessionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, ts)
	}
	return sessions, rows.Err()
}

// RevokeTokenSession marks a session revoked. Revoking an already-revoked or
// unknown session returns ErrTokenSessionNotFound.
func (s *Store) RevokeTokenSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE token_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("store: revoke token session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrTokenSessionNotFound
	}
	return nil
}

// TokenSessionStats summarises the token_sessions table for /admin/status.
type TokenSessionStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	ReadOnly int `json:"readOnly"`
	Revoked  int `json:"revoked"`
}

// TokenSessionStats counts sessions by state.
func (s *Store) TokenSessionStats(ctx context.Context) (TokenSessionStats, error) {
	var st TokenSessionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN revoked_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN revoked_at IS NULL AND mode = 'read_only' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN revoked_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM token_sessions
	`).Scan(&st.Total, &st.Active, &st.ReadOnly, &st.Revoked)
	if err != nil {
		return st, fmt.Errorf("store: token session stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTokenSession(row rowScanner) (*TokenSession, error) {
	return scanTokenSessionRow(row.Scan)
}

func scanTokenSessionRow(scan func(dest ...any) error) (*TokenSession, error) {
	var ts TokenSession
	var createdAt int64
	var lastUsedAt, revokedAt sql.NullInt64
	err := scan(&ts.ID, &ts.TokenHash, &ts.Label, &ts.Mode, &createdAt, &lastUsedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan token session: %w", err)
	}
	ts.CreatedAt = time.Unix(createdAt, 0)
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0)
		ts.LastUsedAt = &t
	}
	if revokedAt.Valid {
		t := time.Unix(revokedAt.Int64, 0)
		ts.RevokedAt = &t
	}
	return &ts, nil
}
