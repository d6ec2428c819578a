// Package provider defines the uniform adapter contract the relay speaks to
// every AI provider through, and the registry that owns adapter lifecycles.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/events"
)

// HealthState is a coarse adapter health classification.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
	Unknown   HealthState = "unknown"
)

// Health is one adapter's health snapshot.
type Health struct {
	Provider  string         `json:"provider"`
	State     HealthState    `json:"healthy"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LastCheck time.Time      `json:"lastCheck"`
}

// UI hint flag names, mirrored from the capability booleans.
const (
	FlagCanAttachFiles    = "CAN_ATTACH_FILES"
	FlagCanFilterHistory  = "CAN_FILTER_HISTORY"
	FlagSupportsApprovals = "SUPPORTS_APPROVALS"
	FlagSupportsStreaming = "SUPPORTS_STREAMING"
)

// Capabilities is the fixed record of what an adapter supports. The live
// values may depend on runtime configuration (e.g. auto-approve turns
// Approvals off).
type Capabilities struct {
	ListSessions bool `json:"listSessions"`
	OpenSession  bool `json:"openSession"`
	SendPrompt   bool `json:"sendPrompt"`
	Streaming    bool `json:"streaming"`
	Attachments  bool `json:"attachments"`
	Approvals    bool `json:"approvals"`
	MultiTurn    bool `json:"multiTurn"`
	Filtering    bool `json:"filtering"`
	Pagination   bool `json:"pagination"`

	// Flags carries the named UI hints. Populate with UIFlags before
	// handing the record to a client.
	Flags map[string]bool `json:"flags,omitempty"`
}

// UIFlags derives the named-flag map from the boolean record.
func (c Capabilities) UIFlags() map[string]bool {
	return map[string]bool{
		FlagCanAttachFiles:    c.Attachments,
		FlagCanFilterHistory:  c.Filtering,
		FlagSupportsApprovals: c.Approvals,
		FlagSupportsStreaming: c.Streaming,
	}
}

// WithUIFlags returns a copy with Flags filled in.
func (c Capabilities) WithUIFlags() Capabilities {
	c.Flags = c.UIFlags()
	return c
}

// Attachment is one non-text prompt input block.
type Attachment struct {
	Type     string `json:"type"` // "image" | "resource_link" | "text"
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for inline images
}

// PromptInput is the user's prompt plus optional attachments.
type PromptInput struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// PromptOptions tune a single SendPrompt call.
type PromptOptions struct {
	Model   string
	Timeout time.Duration
}

// PromptAck acknowledges a prompt; the content itself arrives on the event
// stream.
type PromptAck struct {
	TurnID string `json:"turnId"`
	Status string `json:"status"`
}

// ListParams filter a ListSessions call for adapters that support it.
type ListParams struct {
	Limit  int
	Cursor string
	Filter string
}

// ApprovalOption is one answer the user can pick for a permission prompt.
type ApprovalOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// ApprovalRequest is a provider-initiated tool-permission prompt, normalized
// for the relay. RPCID correlates the eventual decision back to the pending
// JSON-RPC request.
type ApprovalRequest struct {
	RPCID      string           `json:"rpcId"`
	Provider   string           `json:"provider"`
	SessionID  string           `json:"sessionId"`
	ToolCallID string           `json:"toolCallId"`
	ToolTitle  string           `json:"toolTitle,omitempty"`
	ToolKind   string           `json:"toolKind,omitempty"`
	Options    []ApprovalOption `json:"options"`
	Raw        json.RawMessage  `json:"-"`
}

// Approval outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// ApprovalOutcome is the client's (or the timeout's) answer to a permission
// prompt.
type ApprovalOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// EventHandler receives normalized events for a subscribed session.
type EventHandler func(events.NormalizedEvent)

// ApprovalHandler receives provider-initiated permission prompts.
type ApprovalHandler func(ApprovalRequest)

// Adapter is the uniform provider contract. Implementations must isolate
// their failures: an adapter that cannot start or reach its backend reports
// degraded health and keeps its methods callable.
type Adapter interface {
	// ID returns the provider id this adapter serves. Provider ids never
	// contain a colon; the relay uses "<id>:" prefixes to route thread ids.
	ID() string

	// Start acquires resources. Idempotent. Unrecoverable setup problems
	// (e.g. binary not found) degrade health instead of failing.
	Start(ctx context.Context) error

	// Stop releases resources within a bounded deadline. Idempotent.
	Stop(ctx context.Context) error

	// Health reports the adapter's current state.
	Health(ctx context.Context) Health

	// Capabilities returns the current capability snapshot.
	Capabilities() Capabilities

	// ListSessions returns the provider's sessions, normalized.
	ListSessions(ctx context.Context, params ListParams) ([]events.NormalizedSession, error)

	// SendPrompt submits a prompt; content arrives via the event stream.
	SendPrompt(ctx context.Context, sessionID string, input PromptInput, opts *PromptOptions) (PromptAck, error)

	// Subscribe registers a handler for a session's normalized events.
	Subscribe(sessionID string, h EventHandler) error

	// Unsubscribe drops the session's handlers.
	Unsubscribe(sessionID string)

	// OnApprovalRequest registers the sink for permission prompts.
	OnApprovalRequest(h ApprovalHandler)

	// ResolveApproval completes a pending permission prompt.
	ResolveApproval(rpcID string, outcome ApprovalOutcome) error
}

// Config is the per-provider block of the config file.
type Config struct {
	// Enabled is a tri-state: nil means "default". The default provider is
	// enabled unless explicitly disabled; every other provider is opt-in.
	Enabled        *bool    `json:"enabled,omitempty"`
	ExecutablePath string   `json:"executablePath,omitempty"`
	Args           []string `json:"args,omitempty"`
	APIKey         string   `json:"apiKey,omitempty"`
	Model          string   `json:"model,omitempty"`
	BaseURL        string   `json:"baseUrl,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	AutoApprove    bool     `json:"autoApprove,omitempty"`
}

// Timeout returns the configured per-request timeout or def.
func (c Config) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return def
}
