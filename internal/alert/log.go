package alert

import (
	"context"
	"log/slog"

	"github.com/chainlog/chainlog/internal/ledger"
)

// LogNotifier writes alerts to the structured log. It is the default
// notifier when no alert channel is configured, and never fails.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyHighRisk logs the alert at warning level.
func (n *LogNotifier) NotifyHighRisk(ctx context.Context, record *ledger.AuditRecord) error {
	a := FromRecord(record)
	n.logger.WarnContext(ctx, "high-risk event recorded",
		slog.String("record_id", a.RecordID),
		slog.String("tenant_id", a.TenantID),
		slog.String("type", a.Type),
		slog.String("status", a.Status),
		slog.Int64("block_number", a.BlockNumber),
		slog.Any("reasons", a.Reasons))
	return nil
}

// Fanout dispatches each alert to every notifier, returning the first error
// after all notifiers have been attempted.
type Fanout []ledger.Notifier

// NotifyHighRisk delivers the alert to all notifiers.
func (f Fanout) NotifyHighRisk(ctx context.Context, record *ledger.AuditRecord) error {
	var firstErr error
	for _, n := range f {
		if err := n.NotifyHighRisk(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
