// Package uploads implements capability-URL file uploads: a bearer-guarded
// mint produces an opaque token, one PUT fills the slot, and anyone holding
// the token can read it back until expiry.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// MaxUploadBytes caps one upload body.
const MaxUploadBytes = 25 << 20 // 25 MiB

// Sentinel errors.
var (
	// ErrNotFound is returned for unknown or expired tokens.
	ErrNotFound = store.ErrUploadTokenNotFound
	// ErrMimeMismatch is returned when the PUT body's content type differs
	// from the minted one.
	ErrMimeMismatch = errors.New("uploads: content type does not match minted mime")
	// ErrTooLarge is returned when the body exceeds MaxUploadBytes.
	ErrTooLarge = errors.New("uploads: body exceeds size limit")
)

// Manager owns the upload directory and its token table.
type Manager struct {
	dir       string
	store     *store.Store
	retention time.Duration
}

// NewManager creates a Manager. retentionDays bounds how long an upload
// stays servable.
func NewManager(dir string, st *store.Store, retentionDays int) *Manager {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Manager{
		dir:       dir,
		store:     st,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// EnsureDir creates the upload directory.
func (m *Manager) EnsureDir() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("uploads: ensure dir %s: %w", m.dir, err)
	}
	return nil
}

// Dir returns the upload directory path.
func (m *Manager) Dir() string { return m.dir }

// Mint creates a token for one upload slot with the given mime type.
func (m *Manager) Mint(ctx context.Context, mime string) (*store.UploadToken, error) {
	if mime == "" {
		return nil, fmt.Errorf("uploads: mime is required")
	}
	if err := m.EnsureDir(); err != nil {
		return nil, err
	}

	token := "up_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now()
	t := store.UploadToken{
		Token:     token,
		LocalPath: filepath.Join(m.dir, token),
		Mime:      mime,
		CreatedAt: now,
		ExpiresAt: now.Add(m.retention),
	}
	if err := m.store.CreateUploadToken(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Put stores the request body for a minted token. contentType must match
// the minted mime exactly.
func (m *Manager) Put(ctx context.Context, token, contentType string, body io.Reader) (int64, error) {
	t, err := m.store.GetUploadToken(ctx, token)
	if err != nil {
		return 0, err
	}
	if mediaType(contentType) != t.Mime {
		return 0, ErrMimeMismatch
	}

	f, err := os.OpenFile(t.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("uploads: open %s: %w", t.LocalPath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(body, MaxUploadBytes+1))
	if err != nil {
		os.Remove(t.LocalPath)
		return 0, fmt.Errorf("uploads: write body: %w", err)
	}
	if n > MaxUploadBytes {
		os.Remove(t.LocalPath)
		return 0, ErrTooLarge
	}

	if err := m.store.SetUploadSize(ctx, token, n); err != nil {
		return n, err
	}
	return n, nil
}

// Open resolves a token to its stored file for serving.
func (m *Manager) Open(ctx context.Context, token string) (*store.UploadToken, *os.File, error) {
	t, err := m.store.GetUploadToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(t.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("uploads: open %s: %w", t.LocalPath, err)
	}
	return t, f, nil
}

// Prune deletes expired rows and their backing files. Returns the number of
// rows removed.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	expired, err := m.store.ExpiredUploads(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		if err := os.Remove(t.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("uploads: remove expired file", "path", t.LocalPath, "err", err)
		}
	}
	return m.store.PruneUploads(ctx)
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
