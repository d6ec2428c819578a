package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFlushTimeout is the per-context inactivity budget. A steady stream
// of chunks resets it; only a stalled stream triggers the timeout flush.
const DefaultFlushTimeout = 30 * time.Second

// Update is one raw streaming notification from a provider, already parsed
// by the adapter. Fields holds the non-delta scalars (command, args, output,
// exitCode, path, diff, language, status, error) merged last-write-wins into
// the rolling payload.
type Update struct {
	SessionID string
	TurnID    string
	Type      string
	Delta     string
	Done      bool
	Fields    map[string]any
	Usage     *TokenUsage
	Timestamp time.Time
	Raw       json.RawMessage
}

// streamContext is the explicit per-(session, turn) aggregation state. The
// timeout handle lives here so teardown is local to the key.
type streamContext struct {
	key       string
	sessionID string
	turnID    string
	category  Category
	chunks    []string
	fields    map[string]any
	usage     *TokenUsage
	lastRaw   json.RawMessage
	lastAt    time.Time
	timer     *time.Timer
}

// EmitFunc receives every normalized event the Normalizer produces.
type EmitFunc func(NormalizedEvent)

// Normalizer aggregates streaming deltas per (sessionId, turnId) into one
// normalized event per logical unit. It is safe for concurrent use; distinct
// keys never block each other beyond the short map critical section.
type Normalizer struct {
	provider string
	emit     EmitFunc
	timeout  time.Duration

	mu       sync.Mutex
	contexts map[string]*streamContext
	closed   bool

	timeouts int64

	now   func() time.Time
	newID func() string
}

// NewNormalizer creates a Normalizer for one provider. flushTimeout <= 0
// uses DefaultFlushTimeout. emit is called for every flushed event, on the
// goroutine that triggered the flush.
func NewNormalizer(provider string, flushTimeout time.Duration, emit EmitFunc) *Normalizer {
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &Normalizer{
		provider: provider,
		emit:     emit,
		timeout:  flushTimeout,
		contexts: make(map[string]*streamContext),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CategoryFor maps a raw update type to its timeline category.
func CategoryFor(updateType string) Category {
	switch updateType {
	case "content":
		return CategoryAgentMessage
	case "reasoning":
		return CategoryReasoning
	case "tool":
		return CategoryToolCommand
	case "status", "error":
		return CategoryLifecycleStatus
	default:
		return CategoryMetadata
	}
}

// TimeoutFlushes reports how many contexts were flushed by inactivity.
func (n *Normalizer) TimeoutFlushes() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.timeouts
}

// Process folds one update into its (sessionId, turnId) context. When the
// update completes a logical unit (done or error), the flushed event is
// returned; otherwise nil.
func (n *Normalizer) Process(u Update) *NormalizedEvent {
	key := u.SessionID + ":" + u.TurnID
	newCategory := CategoryFor(u.Type)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}

	ctx, ok := n.contexts[key]
	if !ok {
		ctx = n.openLocked(key, u, newCategory)
	} else if ctx.category != newCategory && len(ctx.chunks) > 0 {
		// Type switch: close out the old run, then start a fresh one. A
		// single turn may legitimately produce several events this way.
		ctx.timer.Stop()
		n.flushLocked(ctx)
		delete(n.contexts, key)
		ctx = n.openLocked(key, u, newCategory)
	} else {
		ctx.category = newCategory
	}

	if u.Delta != "" {
		ctx.chunks = append(ctx.chunks, u.Delta)
	}
	for k, v := range u.Fields {
		ctx.fields[k] = v
	}
	if u.Usage != nil {
		ctx.usage = u.Usage
	}
	if len(u.Raw) > 0 {
		ctx.lastRaw = u.Raw
	}
	if !u.Timestamp.IsZero() {
		ctx.lastAt = u.Timestamp
	} else {
		ctx.lastAt = n.now()
	}

	if u.Done || u.Type == "error" {
		ev := n.flushLocked(ctx)
		ctx.timer.Stop()
		delete(n.contexts, key)
		return ev
	}

	ctx.timer.Reset(n.timeout)
	return nil
}

// Close flushes and tears down every live context. Contexts never outlive
// process shutdown.
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for key, ctx := range n.contexts {
		ctx.timer.Stop()
		n.flushLocked(ctx)
		delete(n.contexts, key)
	}
}

// openLocked creates a fresh context with its inactivity timer armed.
func (n *Normalizer) openLocked(key string, u Update, category Category) *streamContext {
	ctx := &streamContext{
		key:       key,
		sessionID: u.SessionID,
		turnID:    u.TurnID,
		category:  category,
		fields:    make(map[string]any),
		lastAt:    n.now(),
	}
	ctx.timer = time.AfterFunc(n.timeout, func() { n.flushTimeout(key, ctx) })
	n.contexts[key] = ctx
	return ctx
}

// flushTimeout handles an inactivity expiry: whatever is buffered goes out,
// followed by a lifecycle_status event noting the interruption. The
// identity check guards against a timer that fired just as its context was
// flushed and replaced under the same key.
func (n *Normalizer) flushTimeout(key string, ctx *streamContext) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if live, ok := n.contexts[key]; !ok || live != ctx || n.closed {
		return
	}
	delete(n.contexts, key)
	n.timeouts++

	slog.Warn("normalizer: flushing stalled streaming context",
		"provider", n.provider, "session", ctx.sessionID, "turn", ctx.turnID,
		"category", ctx.category, "idle", n.timeout)

	n.flushLocked(ctx)

	if n.emit != nil {
		n.emit(NormalizedEvent{
			Provider:  n.provider,
			SessionID: ctx.sessionID,
			EventID:   n.newID(),
			Category:  CategoryLifecycleStatus,
			Timestamp: n.now(),
			Payload: map[string]any{
				"status": string(StatusInterrupted),
				"turnId": ctx.turnID,
				"reason": "streaming context timed out",
			},
		})
	}
}

// flushLocked emits one normalized event from the context's buffered state.
// Caller holds the lock.
func (n *Normalizer) flushLocked(ctx *streamContext) *NormalizedEvent {
	ev := NormalizedEvent{
		Provider:   n.provider,
		SessionID:  ctx.sessionID,
		EventID:    n.newID(),
		Category:   ctx.category,
		Timestamp:  ctx.lastAt,
		Text:       strings.Join(ctx.chunks, ""),
		TokenUsage: ctx.usage,
		RawEvent:   ctx.lastRaw,
	}
	if len(ctx.fields) > 0 {
		ev.Payload = make(map[string]any, len(ctx.fields))
		for k, v := range ctx.fields {
			ev.Payload[k] = v
		}
	}
	if n.emit != nil {
		n.emit(ev)
	}
	return &ev
}
