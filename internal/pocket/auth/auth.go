// Package auth resolves bearer tokens for the HTTP and WebSocket surfaces:
// the single legacy relay token, per-device session tokens (full or
// read-only scope), and short-lived pairing codes that redeem to a freshly
// minted session token exactly once.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// Scopes mirror the token-session modes.
const (
	ScopeFull     = store.ModeFull
	ScopeReadOnly = store.ModeReadOnly
)

// PairingTTL is how long a pairing code stays redeemable.
const PairingTTL = 10 * time.Minute

// pairingCodeLen is the number of alphabet characters in a code.
const pairingCodeLen = 8

// pairingAlphabet is base32 with the ambiguous characters (I, L, O) removed
// so codes survive being read aloud or retyped from a screen.
const pairingAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ234567"

// Sentinel errors.
var (
	// ErrUnauthorized is returned for unknown, revoked, or malformed tokens.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrUnknownCode is returned for missing, expired, or consumed pairing
	// codes.
	ErrUnknownCode = errors.New("auth: unknown or expired pairing code")
)

// Context is the resolved identity of an authenticated peer.
type Context struct {
	// Legacy is true when the peer presented the legacy relay token.
	Legacy bool
	// SessionID is the token-session id for per-device tokens.
	SessionID string
	// Label is the device label for per-device tokens.
	Label string
	// Scope gates write admission: "full" or "read_only".
	Scope string
}

// ReadOnly reports whether the peer's scope denies writes.
func (c *Context) ReadOnly() bool {
	return c.Scope == ScopeReadOnly
}

type pairing struct {
	sessionID string
	rawToken  string
	label     string
	expiresAt time.Time
}

// Service owns token resolution and pairing state.
type Service struct {
	store *store.Store

	mu     sync.RWMutex
	legacy string
	codes  map[string]*pairing

	now func() time.Time
}

// NewService creates a Service with the given legacy token.
func NewService(legacyToken string, st *store.Store) *Service {
	return &Service{
		store:  st,
		legacy: legacyToken,
		codes:  make(map[string]*pairing),
		now:    time.Now,
	}
}

// LegacyToken returns the current legacy token.
func (s *Service) LegacyToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.legacy
}

// Rotate replaces the legacy token with a fresh 256-bit value and clears
// every pairing code. Persisting the new token to the config file and
// closing live sockets is the caller's job.
func (s *Service) Rotate() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: rotate entropy: %w", err)
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	s.legacy = token
	s.codes = make(map[string]*pairing)
	s.mu.Unlock()
	return token, nil
}

// Authenticate resolves a bearer token to its Context. The legacy token is
// compared in constant time; session tokens resolve by sha-256 hash.
func (s *Service) Authenticate(ctx context.Context, token string) (*Context, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	s.mu.RLock()
	legacy := s.legacy
	s.mu.RUnlock()

	if legacy != "" && subtle.ConstantTimeCompare([]byte(token), []byte(legacy)) == 1 {
		return &Context{Legacy: true, Scope: ScopeFull}, nil
	}

	ts, err := s.store.LookupTokenSession(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrTokenSessionNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: lookup session token: %w", err)
	}
	return &Context{SessionID: ts.ID, Label: ts.Label, Scope: ts.Mode}, nil
}

// MintSession creates a per-device session token. The raw token is returned
// exactly once; only its hash is stored.
func (s *Service) MintSession(ctx context.Context, label, mode string) (string, *store.TokenSession, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: token entropy: %w", err)
	}
	token := "pkt_" + base64.RawURLEncoding.EncodeToString(raw)

	ts, err := s.store.CreateTokenSession(ctx, uuid.NewString(), hashToken(token), label, mode)
	if err != nil {
		return "", nil, err
	}
	return token, ts, nil
}

// NewPairingCode mints a session token and maps a short one-time code to
// it. The raw token is held in memory until the code is consumed or
// expires.
func (s *Service) NewPairingCode(ctx context.Context, label, mode string) (string, time.Time, error) {
	raw, ts, err := s.MintSession(ctx, label, mode)
	if err != nil {
		return "", time.Time{}, err
	}

	code, err := generateCode()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(PairingTTL)

	s.mu.Lock()
	s.codes[code] = &pairing{
		sessionID: ts.ID,
		rawToken:  raw,
		label:     ts.Label,
		expiresAt: expiresAt,
	}
	s.mu.Unlock()
	return code, expiresAt, nil
}

// ConsumePairing exchanges a code for its already-minted token, exactly
// once. Expired and consumed codes are indistinguishable from unknown ones.
// When an expired code is presented, its backing token session is revoked
// so the minted-but-never-delivered token can never be used.
func (s *Service) ConsumePairing(ctx context.Context, code string) (string, string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.Lock()
	p, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	s.mu.Unlock()

	if !ok {
		return "", "", ErrUnknownCode
	}
	if s.now().After(p.expiresAt) {
		if err := s.store.RevokeTokenSession(ctx, p.sessionID); err != nil && !errors.Is(err, store.ErrTokenSessionNotFound) {
			return "", "", fmt.Errorf("auth: revoke expired pairing session: %w", err)
		}
		return "", "", ErrUnknownCode
	}
	return p.rawToken, p.sessionID, nil
}

// ClearPairingCodes drops every outstanding code (token rotation path).
func (s *Service) ClearPairingCodes() {
	s.mu.Lock()
	s.codes = make(map[string]*pairing)
	s.mu.Unlock()
}

// PairingCount returns the number of live codes.
func (s *Service) PairingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.codes)
}

// hashToken is the storage form of a session token secret.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// generateCode builds a pairing code from the unambiguous alphabet.
func generateCode() (string, error) {
	raw := make([]byte, pairingCodeLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: code entropy: %w", err)
	}
	var b strings.Builder
	for _, v := range raw {
		b.WriteByte(pairingAlphabet[int(v)%len(pairingAlphabet)])
	}
	return b.String(), nil
}
