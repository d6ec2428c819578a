package relay

import (
	"encoding/json"
	"strings"
)

// SplitThreadID separates the provider prefix from a wire-level thread id.
// "<providerId>:<sessionId>" addresses a non-default provider; a bare id
// belongs to the default provider. Provider ids never contain colons, so
// the first colon is the split point.
func SplitThreadID(threadID, defaultProvider string) (providerID, sessionID string) {
	if i := strings.Index(threadID, ":"); i > 0 {
		return threadID[:i], threadID[i+1:]
	}
	return defaultProvider, threadID
}

// JoinThreadID builds the wire form of a provider-owned session id.
func JoinThreadID(providerID, sessionID string) string {
	return providerID + ":" + sessionID
}

// extractThreadID pulls the thread id out of the common positions message
// payloads put it in.
func extractThreadID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		ThreadID      string `json:"threadId"`
		ThreadIDSnake string `json:"thread_id"`
		Thread        struct {
			ID string `json:"id"`
		} `json:"thread"`
		Turn struct {
			ThreadID string `json:"threadId"`
		} `json:"turn"`
		Item struct {
			ThreadID string `json:"threadId"`
		} `json:"item"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{
		probe.ThreadID,
		probe.ThreadIDSnake,
		probe.Turn.ThreadID,
		probe.Item.ThreadID,
		probe.Thread.ID,
	} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// Safe-list for read-only scopes: reads only.
var readOnlySafeMethods = map[string]struct{}{
	"thread/list":     {},
	"thread/read":     {},
	"thread/get":      {},
	"thread/messages": {},
	"thread/events":   {},
	"thread/history":  {},
	"model/list":      {},
	"health":          {},
	"status":          {},
}

// isReadOnlySafe admits the explicit safe list plus any method whose suffix
// marks it as a read.
func isReadOnlySafe(method string) bool {
	if _, ok := readOnlySafeMethods[method]; ok {
		return true
	}
	for _, suffix := range []string{"/list", "/get", "/read", "/status"} {
		if strings.HasSuffix(method, suffix) {
			return true
		}
	}
	return false
}

// mutatingMethods require the target provider's sendPrompt capability when
// the thread belongs to a non-default provider.
var mutatingMethods = map[string]struct{}{
	"turn/start":     {},
	"sendPrompt":     {},
	"turn/stop":      {},
	"thread/rename":  {},
	"thread/archive": {},
	"thread/delete":  {},
}

func isMutating(method string) bool {
	_, ok := mutatingMethods[method]
	return ok
}

// isPromptMethod marks the methods routed directly to a capable adapter's
// SendPrompt instead of the anchor.
func isPromptMethod(method string) bool {
	return method == "turn/start" || method == "sendPrompt"
}
