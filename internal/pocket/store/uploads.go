package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUploadTokenNotFound is returned when an upload token is unknown or
// expired.
var ErrUploadTokenNotFound = errors.New("store: upload token not found")

// UploadToken authorizes one upload slot. Possession of the token is the
// capability; there is no per-token ACL.
type UploadToken struct {
	Token     string
	LocalPath string
	Mime      string
	Bytes     int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateUploadToken persists a freshly minted upload token.
func (s *Store) CreateUploadToken(ctx context.Context, t UploadToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_tokens (token, local_path, mime, bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.Token, t.LocalPath, t.Mime, t.Bytes, t.CreatedAt.Unix(), t.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("store: create upload token: %w", err)
	}
	return nil
}

// GetUploadToken resolves a live (unexpired) upload token.
func (s *Store) GetUploadToken(ctx context.Context, token string) (*UploadToken, error) {
	var t UploadToken
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT token, local_path, mime, bytes, created_at, expires_at
		FROM upload_tokens
		WHERE token = ? AND expires_at > ?
	`, token, time.Now().Unix()).Scan(&t.Token, &t.LocalPath, &t.Mime, &t.Bytes, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get upload token: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.ExpiresAt = time.Unix(expiresAt, 0)
	return &t, nil
}

// SetUploadSize records the stored byte count after a successful PUT.
func (s *Store) SetUploadSize(ctx context.Context, token string, bytes int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE upload_tokens SET bytes = ? WHERE token = ?`, bytes, token)
	if err != nil {
		return fmt.Errorf("store: set upload size: %w", err)
	}
	return nil
}

// ExpiredUploads returns the rows whose expiry has passed, so the caller can
// delete the backing files before PruneUploads removes the rows.
func (s *Store) ExpiredUploads(ctx context.Context) ([]UploadToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, local_path, mime, bytes, created_at, expires_at
		FROM upload_tokens
		WHERE expires_at <= ?
	`, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("store: list expired uploads: %w", err)
	}
	defer rows.Close()

	var out []UploadToken
	for rows.Next() {
		var t UploadToken
		var createdAt, expiresAt int64
		if err := rows.Scan(&t.Token, &t.LocalPath, &t.Mime, &t.Bytes, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("store: scan upload token: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0)
		t.ExpiresAt = time.Unix(expiresAt, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneUploads deletes expired upload token rows.
func (s *Store) PruneUploads(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_tokens WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: prune uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
