package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "pocket-test-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()
	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService("legacy-token-value", st)
}

func TestAuthenticateLegacy(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	c, err := s.Authenticate(ctx, "legacy-token-value")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !c.Legacy || c.Scope != ScopeFull || c.ReadOnly() {
		t.Fatalf("unexpected context %+v", c)
	}

	if _, err := s.Authenticate(ctx, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong token should fail, got %v", err)
	}
	if _, err := s.Authenticate(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token should fail, got %v", err)
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	raw, ts, err := s.MintSession(ctx, "tablet", ScopeReadOnly)
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}
	if !strings.HasPrefix(raw, "pkt_") {
		t.Fatalf("token shape wrong: %q", raw)
	}

	c, err := s.Authenticate(ctx, raw)
	if err != nil {
		t.Fatalf("Authenticate minted token: %v", err)
	}
	if c.Legacy || c.SessionID != ts.ID || !c.ReadOnly() {
		t.Fatalf("unexpected context %+v", c)
	}
}

func TestRevokedSessionTokenFails(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	raw, ts, _ := s.MintSession(ctx, "phone", ScopeFull)
	if err := s.store.RevokeTokenSession(ctx, ts.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Authenticate(ctx, raw); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked token should fail, got %v", err)
	}
}

func TestRotateProducesDistinctTokens(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	old := s.LegacyToken()
	first, err := s.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	second, err := s.Rotate()
	if err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	if first == old || second == first {
		t.Fatal("rotation must produce a fresh token each time")
	}
	if len(first) != 64 {
		t.Fatalf("legacy token should be 64 hex chars, got %d", len(first))
	}

	// Exactly one legacy token is valid: the newest.
	if _, err := s.Authenticate(ctx, first); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("previous legacy token must be invalid")
	}
	if _, err := s.Authenticate(ctx, second); err != nil {
		t.Fatalf("current legacy token must work: %v", err)
	}
}

func TestPairingConsumeOnce(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	code, expiresAt, err := s.NewPairingCode(ctx, "laptop", ScopeFull)
	if err != nil {
		t.Fatalf("NewPairingCode: %v", err)
	}
	if len(code) != pairingCodeLen {
		t.Fatalf("code length = %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(pairingAlphabet, r) {
			t.Fatalf("code %q contains ambiguous character %q", code, r)
		}
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatal("expiry should be in the future")
	}

	raw, sessionID, err := s.ConsumePairing(ctx, code)
	if err != nil {
		t.Fatalf("ConsumePairing: %v", err)
	}
	if sessionID == "" {
		t.Fatal("missing session id")
	}

	// The exchanged token authenticates.
	c, err := s.Authenticate(ctx, raw)
	if err != nil || c.SessionID != sessionID {
		t.Fatalf("token from pairing should authenticate: %v %+v", err, c)
	}

	// Single use.
	if _, _, err := s.ConsumePairing(ctx, code); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("second consume should fail, got %v", err)
	}
}

func TestPairingExpiryRevokesToken(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	code, _, err := s.NewPairingCode(ctx, "laptop", ScopeFull)
	if err != nil {
		t.Fatalf("NewPairingCode: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(PairingTTL + time.Minute) }

	if _, _, err := s.ConsumePairing(ctx, code); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("expired code should fail, got %v", err)
	}

	// The backing session was revoked, so nothing dangling remains usable.
	stats, err := s.store.TokenSessionStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Revoked != 1 {
		t.Fatalf("expected the minted session revoked, stats %+v", stats)
	}
}

func TestRotateClearsPairingCodes(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	code, _, _ := s.NewPairingCode(ctx, "laptop", ScopeFull)
	if s.PairingCount() != 1 {
		t.Fatal("expected one live code")
	}
	if _, err := s.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if s.PairingCount() != 0 {
		t.Fatal("rotation must clear pairing codes")
	}
	if _, _, err := s.ConsumePairing(ctx, code); !errors.Is(err, ErrUnknownCode) {
		t.Fatalf("pre-rotation code should be dead, got %v", err)
	}
}

func TestConsumeNormalizesInput(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	code, _, _ := s.NewPairingCode(ctx, "laptop", ScopeFull)
	if _, _, err := s.ConsumePairing(ctx, "  "+strings.ToLower(code)+" "); err != nil {
		t.Fatalf("consume with case/space noise: %v", err)
	}
}
