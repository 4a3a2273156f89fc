package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code raised when the
// (tenant_id, block_number) uniqueness constraint rejects an insert.
const uniqueViolation = "23505"

const auditRecordColumns = `id, tenant_id, user_id, payment_id, customer_id, subscription_id,
	type, provider, amount, currency, status, fraud_score, ip_address, user_agent,
	metadata, encrypted_data, immutable_hash, previous_hash, block_number, created_at, signature`

// PostgresRepository implements Repository on PostgreSQL. The conditional
// append contract is enforced by the audit_records unique constraint on
// (tenant_id, block_number): two concurrent appends extending the same tail
// race on the insert, and the loser gets ErrChainConflict.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// Append inserts a record. A unique violation on (tenant_id, block_number)
// maps to ErrChainConflict so the chain builder can re-read and retry.
func (r *PostgresRepository) Append(ctx context.Context, record *AuditRecord) error {
	metadata, err := marshalNullable(record.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	var encrypted any
	if record.EncryptedData != nil {
		data, err := json.Marshal(record.EncryptedData)
		if err != nil {
			return fmt.Errorf("failed to serialize envelope: %w", err)
		}
		encrypted = data
	}

	query := `
		INSERT INTO audit_records (` + auditRecordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)
	`
	_, err = r.db.ExecContext(ctx, query,
		record.ID,
		record.TenantID,
		record.UserID,
		record.PaymentID,
		record.CustomerID,
		record.SubscriptionID,
		string(record.Type),
		string(record.Provider),
		nullableInt64(record.Amount),
		record.Currency,
		record.Status,
		nullableInt(record.FraudScore),
		record.IPAddress,
		record.UserAgent,
		metadata,
		encrypted,
		record.ImmutableHash,
		record.PreviousHash,
		record.BlockNumber,
		record.CreatedAt,
		record.Signature,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			r.logger.Debug("conditional append lost the race",
				slog.String("tenant_id", record.TenantID),
				slog.Int64("block_number", record.BlockNumber))
			return ErrChainConflict
		}
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// GetLast retrieves the chain tail for a tenant.
func (r *PostgresRepository) GetLast(ctx context.Context, tenantID string) (*AuditRecord, error) {
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE tenant_id = $1
		ORDER BY block_number DESC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tenantID))
}

// GetByID retrieves a record by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*AuditRecord, error) {
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetPrevious retrieves the predecessor of a record within its tenant chain.
func (r *PostgresRepository) GetPrevious(ctx context.Context, record *AuditRecord) (*AuditRecord, error) {
	if record.BlockNumber <= 1 {
		return nil, ErrRecordNotFound
	}
	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE tenant_id = $1 AND block_number = $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, record.TenantID, record.BlockNumber-1))
}

// Query retrieves records matching the filter, newest first.
func (r *PostgresRepository) Query(ctx context.Context, filter QueryFilter, limit int) ([]*AuditRecord, error) {
	if filter.TenantID == "" {
		return nil, ErrInvalidFilter
	}

	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}

	addCondition := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, column+" = $"+strconv.Itoa(len(args)))
	}
	if filter.PaymentID != "" {
		addCondition("payment_id", filter.PaymentID)
	}
	if filter.CustomerID != "" {
		addCondition("customer_id", filter.CustomerID)
	}
	if filter.SubscriptionID != "" {
		addCondition("subscription_id", filter.SubscriptionID)
	}
	if filter.UserID != "" {
		addCondition("user_id", filter.UserID)
	}
	if filter.Type != "" {
		addCondition("type", string(filter.Type))
	}
	if !filter.StartDate.IsZero() {
		args = append(args, filter.StartDate)
		conditions = append(conditions, "created_at >= $"+strconv.Itoa(len(args)))
	}
	if !filter.EndDate.IsZero() {
		args = append(args, filter.EndDate)
		conditions = append(conditions, "created_at <= $"+strconv.Itoa(len(args)))
	}

	query := `
		SELECT ` + auditRecordColumns + `
		FROM audit_records
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at DESC, block_number DESC
	`
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var results []*AuditRecord
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return results, nil
}

// ListTenants returns every tenant that has at least one record, sorted.
func (r *PostgresRepository) ListTenants(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM audit_records ORDER BY tenant_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.Warn("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return tenants, nil
}

// scanOne scans a single-row query result, mapping sql.ErrNoRows to
// ErrRecordNotFound.
func (r *PostgresRepository) scanOne(row *sql.Row) (*AuditRecord, error) {
	record, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// scanRecord scans one audit_records row in auditRecordColumns order.
func scanRecord(scan func(dest ...any) error) (*AuditRecord, error) {
	var (
		record       AuditRecord
		eventType    string
		provider     string
		amount       sql.NullInt64
		fraudScore   sql.NullInt64
		metadataRaw  []byte
		encryptedRaw []byte
	)

	err := scan(
		&record.ID,
		&record.TenantID,
		&record.UserID,
		&record.PaymentID,
		&record.CustomerID,
		&record.SubscriptionID,
		&eventType,
		&provider,
		&amount,
		&record.Currency,
		&record.Status,
		&fraudScore,
		&record.IPAddress,
		&record.UserAgent,
		&metadataRaw,
		&encryptedRaw,
		&record.ImmutableHash,
		&record.PreviousHash,
		&record.BlockNumber,
		&record.CreatedAt,
		&record.Signature,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	record.Type = EventType(eventType)
	record.Provider = Provider(provider)
	if amount.Valid {
		value := amount.Int64
		record.Amount = &value
	}
	if fraudScore.Valid {
		value := int(fraudScore.Int64)
		record.FraudScore = &value
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if len(encryptedRaw) > 0 {
		var envelope EncryptedEnvelope
		if err := json.Unmarshal(encryptedRaw, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		record.EncryptedData = &envelope
	}
	return &record, nil
}

// marshalNullable serializes a map to JSON, or returns nil for a nil map so
// the column stays NULL.
func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// nullableInt64 converts an optional int64 to a driver-friendly value.
func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// nullableInt converts an optional int to a driver-friendly value.
func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
