// Package observability configures structured logging and owns the
// process-wide reliability counters. Counters live behind a handle created
// at startup and passed to the subsystems that increment them; nothing here
// is a free-floating global.
package observability

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/ddevalco/codex-pocket/common/redact"
	"github.com/ddevalco/codex-pocket/common/trace"
)

// Setup configures the global slog logger according to the provided level
// and format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a child logger that always includes the trace_id from
// ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}

// RedactSecrets replaces known-sensitive values in a log message with
// "[REDACTED]". Call with the message text and the sensitive values to
// strip out; 64-hex runs and bearer credentials go regardless.
func RedactSecrets(msg string, sensitiveValues ...string) string {
	return redact.String(msg, sensitiveValues...)
}

// Counters are the process-wide reliability counters surfaced by
// /admin/status.
type Counters struct {
	FramesIn           atomic.Int64
	FramesOut          atomic.Int64
	DroppedFrames      atomic.Int64
	DedupeHits         atomic.Int64
	StoreErrors        atomic.Int64
	NormalizerTimeouts atomic.Int64
	AuthFailures       atomic.Int64
	RateLimited        atomic.Int64
}

// NewCounters creates a counters handle.
func NewCounters() *Counters {
	return &Counters{}
}

// Snapshot renders the counters for the status endpoint.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"framesIn":           c.FramesIn.Load(),
		"framesOut":          c.FramesOut.Load(),
		"droppedFrames":      c.DroppedFrames.Load(),
		"dedupeHits":         c.DedupeHits.Load(),
		"storeErrors":        c.StoreErrors.Load(),
		"normalizerTimeouts": c.NormalizerTimeouts.Load(),
		"authFailures":       c.AuthFailures.Load(),
		"rateLimited":        c.RateLimited.Load(),
	}
}
