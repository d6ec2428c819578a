// Package events defines the provider-agnostic event model and the streaming
// normalizer that folds chunked provider updates into coherent timeline
// events.
package events

import (
	"encoding/json"
	"time"
)

// Category classifies a normalized event for the timeline UI.
type Category string

const (
	CategoryUserMessage      Category = "user_message"
	CategoryAgentMessage     Category = "agent_message"
	CategoryReasoning        Category = "reasoning"
	CategoryPlan             Category = "plan"
	CategoryToolCommand      Category = "tool_command"
	CategoryFileDiff         Category = "file_diff"
	CategoryApprovalRequest  Category = "approval_request"
	CategoryUserInputRequest Category = "user_input_request"
	CategoryLifecycleStatus  Category = "lifecycle_status"
	CategoryMetadata         Category = "metadata"
)

// SessionStatus is the lifecycle state of a provider session.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"
	StatusIdle        SessionStatus = "idle"
	StatusCompleted   SessionStatus = "completed"
	StatusError       SessionStatus = "error"
	StatusInterrupted SessionStatus = "interrupted"
)

// TokenUsage carries provider-reported token counts for a turn.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	CachedTokens int64 `json:"cachedTokens,omitempty"`
}

// NormalizedEvent is one provider-agnostic timeline record. EventID is
// globally unique per process; ordering within a session is by the store's
// insertion id, not by Timestamp.
type NormalizedEvent struct {
	Provider      string          `json:"provider"`
	SessionID     string          `json:"sessionId"`
	EventID       string          `json:"eventId"`
	Category      Category        `json:"category"`
	Timestamp     time.Time       `json:"timestamp"`
	Text          string          `json:"text,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	ParentEventID string          `json:"parentEventId,omitempty"`
	TokenUsage    *TokenUsage     `json:"tokenUsage,omitempty"`
	RawEvent      json.RawMessage `json:"rawEvent,omitempty"`
}

// NormalizedSession is a provider-agnostic view of one session/thread.
// RawSession is always retained for debugging.
type NormalizedSession struct {
	Provider   string          `json:"provider"`
	SessionID  string          `json:"sessionId"`
	Title      string          `json:"title"`
	Project    string          `json:"project,omitempty"`
	Repo       string          `json:"repo,omitempty"`
	Status     SessionStatus   `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Preview    string          `json:"preview,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	RawSession json.RawMessage `json:"rawSession,omitempty"`
}

// titleMax is the truncation width for fallback titles.
const titleMax = 50

// DeriveTitle builds a fallback session title from the first user utterance,
// truncated to 50 characters.
func DeriveTitle(firstUserText string) string {
	if firstUserText == "" {
		return "Untitled session"
	}
	runes := []rune(firstUserText)
	if len(runes) <= titleMax {
		return firstUserText
	}
	return string(runes[:titleMax-1]) + "…"
}
