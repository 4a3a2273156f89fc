// Package alert delivers high-risk event notifications to out-of-band
// channels. Delivery is best effort: the ledger write has already succeeded
// by the time a notifier runs, and notifier failures must never surface to
// the caller that recorded the event.
package alert

import (
	"time"

	"github.com/chainlog/chainlog/internal/ledger"
)

// Alert is the notification payload published for a high-risk record. It
// carries enough context to triage without exposing the encrypted payload.
type Alert struct {
	RecordID    string   `json:"record_id"`
	TenantID    string   `json:"tenant_id"`
	Type        string   `json:"type"`
	Provider    string   `json:"provider"`
	Status      string   `json:"status"`
	Amount      *int64   `json:"amount,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	FraudScore  *int     `json:"fraud_score,omitempty"`
	BlockNumber int64    `json:"block_number"`
	Reasons     []string `json:"reasons"`
	Timestamp   string   `json:"timestamp"`
}

// FromRecord builds the alert payload for a record.
func FromRecord(record *ledger.AuditRecord) Alert {
	return Alert{
		RecordID:    record.ID,
		TenantID:    record.TenantID,
		Type:        string(record.Type),
		Provider:    string(record.Provider),
		Status:      record.Status,
		Amount:      record.Amount,
		Currency:    record.Currency,
		FraudScore:  record.FraudScore,
		BlockNumber: record.BlockNumber,
		Reasons:     ledger.RiskReasons(record),
		Timestamp:   record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
