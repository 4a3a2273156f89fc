package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// FallbackLogger is the degraded write path invoked when the normal append
// pipeline fails. It writes a minimal, unsigned, unchained trace to a
// separate lower-guarantee sink so an operational record survives even when
// a proper ledger entry cannot be produced. It never returns an error and
// never panics; its own failures are logged locally and swallowed.
type FallbackLogger struct {
	mu     sync.Mutex
	out    io.Writer
	logger *slog.Logger
}

// fallbackTrace is the minimal trace written by the fallback path.
type fallbackTrace struct {
	TenantID  string         `json:"tenant_id"`
	Type      string         `json:"type"`
	Error     string         `json:"error"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewFallbackLogger creates a fallback logger writing JSON lines to out.
// A nil out defaults to stderr.
func NewFallbackLogger(out io.Writer, logger *slog.Logger) *FallbackLogger {
	if out == nil {
		out = os.Stderr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackLogger{
		out:    out,
		logger: logger,
	}
}

// Log writes a best-effort trace for an event that could not be appended.
// Metadata is redacted before writing; the sensitive payload is dropped
// entirely since this path has no encryption guarantees.
func (f *FallbackLogger) Log(ctx context.Context, event Event, cause error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.ErrorContext(ctx, "fallback trace write panicked", "panic", r)
		}
	}()

	trace := fallbackTrace{
		TenantID:  event.TenantID,
		Type:      string(event.Type),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  RedactMetadata(event.Metadata),
	}
	if cause != nil {
		trace.Error = cause.Error()
	}

	line, err := json.Marshal(trace)
	if err != nil {
		f.logger.ErrorContext(ctx, "failed to serialize fallback trace",
			"tenant_id", event.TenantID, "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(append(line, '\n')); err != nil {
		f.logger.ErrorContext(ctx, "failed to write fallback trace",
			"tenant_id", event.TenantID, "error", err)
	}
}
