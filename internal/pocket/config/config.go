// Package config loads, validates, and persists the pocketd JSON config
// file. Environment variables mirror the top-level keys; values from the
// file take precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ddevalco/codex-pocket/common/environment"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

// DefaultProviderID is the provider whose threads use bare thread ids.
const DefaultProviderID = "codex"

// Defaults.
const (
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 8901
	DefaultRetentionDays         = 90
	DefaultUploadRetentionDays   = 7
	DefaultUploadPruneIntervalHr = 6
)

// Config is the parsed config file.
type Config struct {
	Token                    string                     `json:"token"`
	Host                     string                     `json:"host,omitempty"`
	Port                     int                        `json:"port,omitempty"`
	DB                       string                     `json:"db,omitempty"`
	UploadDir                string                     `json:"uploadDir,omitempty"`
	UploadRetentionDays      int                        `json:"uploadRetentionDays,omitempty"`
	UploadPruneIntervalHours int                        `json:"uploadPruneIntervalHours,omitempty"`
	RetentionDays            int                        `json:"retentionDays,omitempty"`
	LogLevel                 string                     `json:"logLevel,omitempty"`
	LogFormat                string                     `json:"logFormat,omitempty"`
	Providers                map[string]provider.Config `json:"providers,omitempty"`
}

// providersSchema validates the providers block on read and on merge-write.
const providersSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"properties": {
			"enabled":        {"type": "boolean"},
			"executablePath": {"type": "string"},
			"args":           {"type": "array", "items": {"type": "string"}},
			"apiKey":         {"type": "string"},
			"model":          {"type": "string"},
			"baseUrl":        {"type": "string"},
			"timeoutSeconds": {"type": "integer", "minimum": 1},
			"autoApprove":    {"type": "boolean"}
		},
		"additionalProperties": false
	},
	"propertyNames": {"pattern": "^[^:]+$"}
}`

var compiledProvidersSchema = jsonschema.MustCompileString("providers.schema.json", providersSchema)

// ErrMissingToken marks a config without any usable token — fatal at
// startup.
var ErrMissingToken = errors.New("config: token is required (set \"token\" in the config file or POCKET_TOKEN)")

// DefaultPath returns the well-known config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "codex-pocket.json"
	}
	return filepath.Join(home, ".codex-pocket", "config.json")
}

// Load reads the config file (a missing file is an empty config), overlays
// environment variables for unset keys, applies defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// env-only configuration is fine
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		// The struct decode drops unknown fields, so the raw block is
		// schema-checked as written.
		var raw struct {
			Providers any `json:"providers"`
		}
		if err := json.Unmarshal(data, &raw); err == nil && raw.Providers != nil {
			if err := compiledProvidersSchema.Validate(raw.Providers); err != nil {
				return nil, fmt.Errorf("config: providers: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills unset keys from the environment. The config file wins.
func (c *Config) applyEnv() {
	if c.Token == "" {
		c.Token = environment.StringOr("POCKET_TOKEN", "")
	}
	if c.Host == "" {
		c.Host = environment.StringOr("POCKET_HOST", "")
	}
	if c.Port == 0 {
		c.Port = environment.IntOr("POCKET_PORT", 0)
	}
	if c.DB == "" {
		c.DB = environment.StringOr("POCKET_DB", "")
	}
	if c.UploadDir == "" {
		c.UploadDir = environment.StringOr("POCKET_UPLOAD_DIR", "")
	}
	if c.UploadRetentionDays == 0 {
		c.UploadRetentionDays = environment.IntOr("POCKET_UPLOAD_RETENTION_DAYS", 0)
	}
	if c.UploadPruneIntervalHours == 0 {
		c.UploadPruneIntervalHours = environment.IntOr("POCKET_UPLOAD_PRUNE_INTERVAL_HOURS", 0)
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = environment.IntOr("POCKET_RETENTION_DAYS", 0)
	}
	if c.LogLevel == "" {
		c.LogLevel = environment.StringOr("POCKET_LOG_LEVEL", "")
	}
	if c.LogFormat == "" {
		c.LogFormat = environment.StringOr("POCKET_LOG_FORMAT", "")
	}
}

// applyDefaults fills the remaining zero values.
func (c *Config) applyDefaults() {
	dataDir := defaultDataDir()
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DB == "" {
		c.DB = filepath.Join(dataDir, "pocket.db")
	}
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(dataDir, "uploads")
	}
	if c.UploadRetentionDays == 0 {
		c.UploadRetentionDays = DefaultUploadRetentionDays
	}
	if c.UploadPruneIntervalHours == 0 {
		c.UploadPruneIntervalHours = DefaultUploadPruneIntervalHr
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Providers == nil {
		c.Providers = map[string]provider.Config{}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".codex-pocket")
}

// Validate checks the config for startup. A missing token is fatal.
func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrMissingToken
	}
	return ValidateProviders(c.Providers)
}

// ValidateProviders schema-checks a providers block. Provider ids must not
// contain colons — the relay uses "<id>:" prefixes to route thread ids.
func ValidateProviders(providers map[string]provider.Config) error {
	data, err := json.Marshal(providers)
	if err != nil {
		return fmt.Errorf("config: marshal providers: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("config: reparse providers: %w", err)
	}
	if err := compiledProvidersSchema.Validate(v); err != nil {
		return fmt.Errorf("config: providers: %w", err)
	}
	return nil
}

// Save writes the config atomically with owner-only permissions (it holds
// the token).
func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: replace: %w", err)
	}
	return nil
}

// maskedValue replaces a secret for read endpoints.
const maskedValue = "••••••••"

// MaskedProviders returns a copy of the providers block with secrets
// blanked for the read endpoint.
func (c *Config) MaskedProviders() map[string]provider.Config {
	out := make(map[string]provider.Config, len(c.Providers))
	for id, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = maskedValue
		}
		out[id] = p
	}
	return out
}

// MergeProviders applies a partial providers patch: present ids are
// replaced field-wise (a masked apiKey keeps the stored secret), absent ids
// are untouched. The merged result is validated before it is adopted.
func (c *Config) MergeProviders(patch map[string]provider.Config) error {
	merged := make(map[string]provider.Config, len(c.Providers)+len(patch))
	for id, p := range c.Providers {
		merged[id] = p
	}
	for id, p := range patch {
		if existing, ok := merged[id]; ok && (p.APIKey == "" || p.APIKey == maskedValue) {
			p.APIKey = existing.APIKey
		}
		merged[id] = p
	}
	if err := ValidateProviders(merged); err != nil {
		return err
	}
	c.Providers = merged
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
