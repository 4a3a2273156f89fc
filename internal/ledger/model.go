// Package ledger implements a tamper-evident audit ledger: a per-tenant,
// append-only chain of audit records with hash linkage, HMAC signatures,
// and authenticated encryption of sensitive payloads.
package ledger

import (
	"time"
)

// EventType identifies the kind of audited event.
type EventType string

// Supported event types.
const (
	EventPaymentCreated       EventType = "payment_created"
	EventPaymentFailed        EventType = "payment_failed"
	EventPaymentRefunded      EventType = "payment_refunded"
	EventFraudDetected        EventType = "fraud_detected"
	EventSecurityEvent        EventType = "security_event"
	EventPaymentMethodAdded   EventType = "payment_method_added"
	EventPaymentMethodRemoved EventType = "payment_method_removed"
	EventPaymentMethodUpdated EventType = "payment_method_updated"
)

// Provider identifies the upstream system an event originated from.
type Provider string

// Supported providers.
const (
	ProviderStripe   Provider = "stripe"
	ProviderPayPal   Provider = "paypal"
	ProviderInternal Provider = "internal"
)

// ValidEventTypes defines the allowed event types for ledger appends.
var ValidEventTypes = map[EventType]bool{
	EventPaymentCreated:       true,
	EventPaymentFailed:        true,
	EventPaymentRefunded:      true,
	EventFraudDetected:        true,
	EventSecurityEvent:        true,
	EventPaymentMethodAdded:   true,
	EventPaymentMethodRemoved: true,
	EventPaymentMethodUpdated: true,
}

// ValidProviders defines the allowed providers for ledger appends.
var ValidProviders = map[Provider]bool{
	ProviderStripe:   true,
	ProviderPayPal:   true,
	ProviderInternal: true,
}

// EncryptedEnvelope is the self-describing ciphertext container for
// caller-supplied sensitive fields. All byte fields are hex-encoded.
type EncryptedEnvelope struct {
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
	Nonce      string `json:"nonce"`
	Algorithm  string `json:"algorithm"`
}

// AuditRecord is a single ledger entry. Immutable once written: corrections
// are represented as new records, never updates.
type AuditRecord struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	UserID         string             `json:"user_id,omitempty"`
	PaymentID      string             `json:"payment_id,omitempty"`
	CustomerID     string             `json:"customer_id,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	Type           EventType          `json:"type"`
	Provider       Provider           `json:"provider"`
	Amount         *int64             `json:"amount,omitempty"` // minor currency units
	Currency       string             `json:"currency,omitempty"`
	Status         string             `json:"status"`
	FraudScore     *int               `json:"fraud_score,omitempty"`
	IPAddress      string             `json:"ip_address,omitempty"` // stored masked only
	UserAgent      string             `json:"user_agent,omitempty"` // stored sanitized only
	Metadata       map[string]any     `json:"metadata,omitempty"`   // denylisted keys redacted
	EncryptedData  *EncryptedEnvelope `json:"encrypted_data,omitempty"`

	// Chain fields
	ImmutableHash string    `json:"immutable_hash"`
	PreviousHash  string    `json:"previous_hash,omitempty"` // empty only for block 1
	BlockNumber   int64     `json:"block_number"`            // 1-based, contiguous per tenant
	CreatedAt     time.Time `json:"created_at"`
	Signature     string    `json:"signature"`
}

// Event is the input for appending a record to the ledger.
type Event struct {
	TenantID       string
	Type           EventType
	Provider       Provider
	Status         string
	Amount         *int64
	Currency       string
	FraudScore     *int
	UserID         string
	PaymentID      string
	CustomerID     string
	SubscriptionID string
	IPAddress      string
	UserAgent      string
	Metadata       map[string]any

	// SensitiveData is encrypted before storage and never appears in
	// plaintext anywhere downstream of the append path.
	SensitiveData map[string]any
}

// QueryFilter selects records for audit-trail queries. TenantID is required;
// all other fields narrow the result set when non-zero.
type QueryFilter struct {
	TenantID       string
	PaymentID      string
	CustomerID     string
	SubscriptionID string
	UserID         string
	Type           EventType
	StartDate      time.Time
	EndDate        time.Time
}

// VerificationResult reports the outcome of verifying a single record.
// All applicable checks run even after one fails, so Errors enumerates
// every broken invariant at once.
type VerificationResult struct {
	IsValid bool         `json:"is_valid"`
	Errors  []string     `json:"errors"`
	Record  *AuditRecord `json:"record,omitempty"`
}

// Verification error strings surfaced in VerificationResult.Errors.
const (
	VerifyErrNotFound  = "record not found"
	VerifyErrHash      = "hash verification failed"
	VerifyErrSignature = "signature verification failed"
	VerifyErrChain     = "chain integrity verification failed"
)

// canonicalTimestamp renders a record timestamp in the exact form used for
// hashing and signing. Normalized to UTC and microsecond precision so that
// a record survives a round trip through timestamptz storage bit-for-bit.
func canonicalTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

// hashFields returns the canonical field set covered by ImmutableHash:
// every stored field except the derived ones (ID, ImmutableHash, Signature).
// The map form feeds Engine.CanonicalHash, which key-sorts on serialization.
func (r *AuditRecord) hashFields() map[string]any {
	fields := map[string]any{
		"tenant_id":       r.TenantID,
		"user_id":         r.UserID,
		"payment_id":      r.PaymentID,
		"customer_id":     r.CustomerID,
		"subscription_id": r.SubscriptionID,
		"type":            string(r.Type),
		"provider":        string(r.Provider),
		"currency":        r.Currency,
		"status":          r.Status,
		"ip_address":      r.IPAddress,
		"user_agent":      r.UserAgent,
		"previous_hash":   r.PreviousHash,
		"block_number":    r.BlockNumber,
		"created_at":      canonicalTimestamp(r.CreatedAt),
	}
	if r.Amount != nil {
		fields["amount"] = *r.Amount
	} else {
		fields["amount"] = nil
	}
	if r.FraudScore != nil {
		fields["fraud_score"] = *r.FraudScore
	} else {
		fields["fraud_score"] = nil
	}
	if r.Metadata != nil {
		fields["metadata"] = r.Metadata
	} else {
		fields["metadata"] = nil
	}
	if r.EncryptedData != nil {
		fields["encrypted_data"] = map[string]any{
			"ciphertext": r.EncryptedData.Ciphertext,
			"tag":        r.EncryptedData.Tag,
			"nonce":      r.EncryptedData.Nonce,
			"algorithm":  r.EncryptedData.Algorithm,
		}
	} else {
		fields["encrypted_data"] = nil
	}
	return fields
}

// clone returns a copy of the record with its own metadata map and envelope,
// so repository callers cannot mutate stored state.
func (r *AuditRecord) clone() *AuditRecord {
	copied := *r
	if r.Amount != nil {
		amount := *r.Amount
		copied.Amount = &amount
	}
	if r.FraudScore != nil {
		score := *r.FraudScore
		copied.FraudScore = &score
	}
	if r.Metadata != nil {
		copied.Metadata = copyMetadata(r.Metadata)
	}
	if r.EncryptedData != nil {
		envelope := *r.EncryptedData
		copied.EncryptedData = &envelope
	}
	return &copied
}

// copyMetadata copies a metadata map one nested level at a time.
func copyMetadata(m map[string]any) map[string]any {
	copied := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			copied[k] = copyMetadata(nested)
			continue
		}
		copied[k] = v
	}
	return copied
}
