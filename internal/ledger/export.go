package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports records as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports records as a JSON array.
	ExportFormatJSON ExportFormat = "json"
	// ExportFormatCBOR exports records as a CBOR array, for compact
	// archival transfer.
	ExportFormatCBOR ExportFormat = "cbor"
)

// ExportOptions configures an audit-trail export.
type ExportOptions struct {
	Format ExportFormat
	Filter QueryFilter
	Limit  int // 0 = no limit
}

// exportRecord is the flat wire layout shared by the JSON and CBOR exports.
type exportRecord struct {
	ID             string             `json:"id" cbor:"id"`
	TenantID       string             `json:"tenant_id" cbor:"tenant_id"`
	UserID         string             `json:"user_id,omitempty" cbor:"user_id,omitempty"`
	PaymentID      string             `json:"payment_id,omitempty" cbor:"payment_id,omitempty"`
	CustomerID     string             `json:"customer_id,omitempty" cbor:"customer_id,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty" cbor:"subscription_id,omitempty"`
	Type           string             `json:"type" cbor:"type"`
	Provider       string             `json:"provider" cbor:"provider"`
	Amount         *int64             `json:"amount,omitempty" cbor:"amount,omitempty"`
	Currency       string             `json:"currency,omitempty" cbor:"currency,omitempty"`
	Status         string             `json:"status" cbor:"status"`
	FraudScore     *int               `json:"fraud_score,omitempty" cbor:"fraud_score,omitempty"`
	IPAddress      string             `json:"ip_address,omitempty" cbor:"ip_address,omitempty"`
	UserAgent      string             `json:"user_agent,omitempty" cbor:"user_agent,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	EncryptedData  *EncryptedEnvelope `json:"encrypted_data,omitempty" cbor:"encrypted_data,omitempty"`
	ImmutableHash  string             `json:"immutable_hash" cbor:"immutable_hash"`
	PreviousHash   string             `json:"previous_hash,omitempty" cbor:"previous_hash,omitempty"`
	BlockNumber    int64              `json:"block_number" cbor:"block_number"`
	Timestamp      string             `json:"timestamp" cbor:"timestamp"`
	Signature      string             `json:"signature" cbor:"signature"`
}

// ExportTrail exports the audit trail matching the options in the requested
// format. The export carries the full chain fields (hashes, block numbers,
// signatures) so an exported trail remains independently verifiable.
func ExportTrail(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	switch opts.Format {
	case ExportFormatCSV, ExportFormatJSON, ExportFormatCBOR:
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	records, err := repo.Query(ctx, opts.Filter, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	switch opts.Format {
	case ExportFormatCSV:
		return exportToCSV(records)
	case ExportFormatJSON:
		return exportToJSON(records)
	default:
		return exportToCBOR(records)
	}
}

// exportToCSV exports records to CSV format.
func exportToCSV(records []*AuditRecord) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Tenant ID",
		"Type",
		"Provider",
		"Status",
		"Amount",
		"Currency",
		"Fraud Score",
		"User ID",
		"Payment ID",
		"Customer ID",
		"Subscription ID",
		"IP Address",
		"Block Number",
		"Previous Hash",
		"Immutable Hash",
		"Signature",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, record := range records {
		var amount, fraudScore string
		if record.Amount != nil {
			amount = strconv.FormatInt(*record.Amount, 10)
		}
		if record.FraudScore != nil {
			fraudScore = strconv.Itoa(*record.FraudScore)
		}
		row := []string{
			record.ID,
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.TenantID,
			string(record.Type),
			string(record.Provider),
			record.Status,
			amount,
			record.Currency,
			fraudScore,
			record.UserID,
			record.PaymentID,
			record.CustomerID,
			record.SubscriptionID,
			record.IPAddress,
			strconv.FormatInt(record.BlockNumber, 10),
			record.PreviousHash,
			record.ImmutableHash,
			record.Signature,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// exportToJSON exports records as an indented JSON array.
func exportToJSON(records []*AuditRecord) ([]byte, error) {
	data, err := json.MarshalIndent(toExportRecords(records), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// exportToCBOR exports records as a CBOR array.
func exportToCBOR(records []*AuditRecord) ([]byte, error) {
	data, err := cbor.Marshal(toExportRecords(records))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CBOR: %w", err)
	}
	return data, nil
}

func toExportRecords(records []*AuditRecord) []exportRecord {
	out := make([]exportRecord, len(records))
	for i, record := range records {
		out[i] = exportRecord{
			ID:             record.ID,
			TenantID:       record.TenantID,
			UserID:         record.UserID,
			PaymentID:      record.PaymentID,
			CustomerID:     record.CustomerID,
			SubscriptionID: record.SubscriptionID,
			Type:           string(record.Type),
			Provider:       string(record.Provider),
			Amount:         record.Amount,
			Currency:       record.Currency,
			Status:         record.Status,
			FraudScore:     record.FraudScore,
			IPAddress:      record.IPAddress,
			UserAgent:      record.UserAgent,
			Metadata:       record.Metadata,
			EncryptedData:  record.EncryptedData,
			ImmutableHash:  record.ImmutableHash,
			PreviousHash:   record.PreviousHash,
			BlockNumber:    record.BlockNumber,
			Timestamp:      record.CreatedAt.UTC().Format(time.RFC3339Nano),
			Signature:      record.Signature,
		}
	}
	return out
}
