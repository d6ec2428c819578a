package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"token":"tok-12345678"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort {
		t.Errorf("defaults not applied: %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.RetentionDays != DefaultRetentionDays {
		t.Errorf("retention default = %d", cfg.RetentionDays)
	}
	if cfg.Addr() == "" {
		t.Error("Addr empty")
	}
}

func TestLoadMissingTokenFatal(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestEnvMirrorsConfigKeysButFileWins(t *testing.T) {
	t.Setenv("POCKET_TOKEN", "env-token-123")
	t.Setenv("POCKET_PORT", "9999")

	// File value wins over env for port; token comes from env.
	path := writeConfig(t, `{"port": 1234}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "env-token-123" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.Port != 1234 {
		t.Errorf("file value should win, port = %d", cfg.Port)
	}
}

func TestLoadUnparseable(t *testing.T) {
	path := writeConfig(t, `{"token": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestProvidersSchemaRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `{
		"token": "tok-12345678",
		"providers": {"codex": {"executablePath": "/usr/bin/codex", "bogus": true}}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected schema violation for unknown provider field")
	}
}

func TestProviderIDsMustNotContainColons(t *testing.T) {
	err := ValidateProviders(map[string]provider.Config{
		"bad:id": {},
	})
	if err == nil {
		t.Fatal("colon in provider id must be rejected")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	enabled := true
	cfg := &Config{
		Token: "tok-12345678",
		Port:  4321,
		Providers: map[string]provider.Config{
			"claude": {Enabled: &enabled, APIKey: "sk-secret", BaseURL: "http://localhost:9/"},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Port != 4321 || got.Providers["claude"].APIKey != "sk-secret" {
		t.Fatalf("round trip lost data: %+v", got)
	}
}

func TestMaskedProviders(t *testing.T) {
	cfg := &Config{
		Token: "tok-12345678",
		Providers: map[string]provider.Config{
			"claude": {APIKey: "sk-secret"},
			"codex":  {},
		},
	}
	masked := cfg.MaskedProviders()
	if masked["claude"].APIKey == "sk-secret" || masked["claude"].APIKey == "" {
		t.Fatalf("apiKey not masked: %q", masked["claude"].APIKey)
	}
	if masked["codex"].APIKey != "" {
		t.Fatalf("empty apiKey should stay empty")
	}
	// Original untouched.
	if cfg.Providers["claude"].APIKey != "sk-secret" {
		t.Fatal("masking mutated the original")
	}
}

func TestMergeProvidersKeepsSecretOnMaskedWrite(t *testing.T) {
	cfg := &Config{
		Token: "tok-12345678",
		Providers: map[string]provider.Config{
			"claude": {APIKey: "sk-secret", Model: "old-model"},
		},
	}

	err := cfg.MergeProviders(map[string]provider.Config{
		"claude": {APIKey: maskedValue, Model: "new-model"},
	})
	if err != nil {
		t.Fatalf("MergeProviders: %v", err)
	}
	if cfg.Providers["claude"].APIKey != "sk-secret" {
		t.Errorf("masked write must keep the stored secret, got %q", cfg.Providers["claude"].APIKey)
	}
	if cfg.Providers["claude"].Model != "new-model" {
		t.Errorf("patch field lost: %q", cfg.Providers["claude"].Model)
	}
}

func TestMergeProvidersValidates(t *testing.T) {
	cfg := &Config{Token: "tok-12345678", Providers: map[string]provider.Config{}}
	err := cfg.MergeProviders(map[string]provider.Config{"bad:id": {}})
	if err == nil {
		t.Fatal("invalid patch must be rejected")
	}
	if len(cfg.Providers) != 0 {
		t.Fatal("failed merge must not mutate the config")
	}
}
