package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainlog/chainlog/internal/tracing"
)

// maxAppendRetries bounds reassembly attempts after a conditional-append
// conflict. The per-tenant mutex makes conflicts rare inside one process;
// retries cover races between processes sharing a store.
const maxAppendRetries = 3

// DefaultQueryLimit caps audit-trail queries when the caller passes no limit.
const DefaultQueryLimit = 100

// Service errors.
var (
	ErrMissingTenant      = errors.New("tenant id cannot be empty")
	ErrInvalidEventType   = errors.New("invalid event type")
	ErrInvalidProvider    = errors.New("invalid provider")
	ErrMissingStatus      = errors.New("status cannot be empty")
	ErrAppendContention   = errors.New("append retries exhausted under contention")
	ErrNoEncryptedPayload = errors.New("record has no encrypted payload")
)

// Notifier delivers high-risk alerts to an external collaborator.
// Delivery is fire-and-forget from the ledger's point of view: failures are
// counted and logged, never surfaced to the append caller.
type Notifier interface {
	NotifyHighRisk(ctx context.Context, record *AuditRecord) error
}

// Service is the chain builder: it assembles, links, signs, and persists
// audit records, serializing appends per tenant.
type Service struct {
	repo     Repository
	engine   *Engine
	notifier Notifier
	fallback *FallbackLogger
	metrics  *Metrics
	logger   *slog.Logger

	// tenantLocks serializes the read-tail/build/append sequence per tenant
	// within this process. The store's conditional append remains the
	// cross-process guarantee.
	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// ServiceConfig configures a ledger Service.
type ServiceConfig struct {
	Repository Repository
	Engine     *Engine
	Notifier   Notifier        // optional; nil disables alerting
	Fallback   *FallbackLogger // optional; defaults to stderr sink
	Metrics    *Metrics        // optional
	Logger     *slog.Logger    // optional
}

// NewService creates a ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("crypto engine is required")
	}
	if cfg.Fallback == nil {
		cfg.Fallback = NewFallbackLogger(nil, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:        cfg.Repository,
		engine:      cfg.Engine,
		notifier:    cfg.Notifier,
		fallback:    cfg.Fallback,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		tenantLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Append validates, redacts, encrypts, links, signs, and persists a new
// record for the event's tenant, then classifies it for risk and dispatches
// an alert asynchronously if warranted.
//
// On a pipeline failure the emergency fallback writes a degraded trace and
// the original error is returned; callers cannot distinguish "logged,
// degraded" from "not logged" through the error alone, only through the
// fallback sink.
func (s *Service) Append(ctx context.Context, event Event) (*AuditRecord, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "ledger.append")

	record, err := s.append(ctx, event)
	endSpan(err)
	if err != nil {
		s.metrics.IncAppendErrors()
		s.metrics.IncFallbackWrites()
		s.fallback.Log(ctx, event, err)
		return nil, err
	}

	s.metrics.IncAppends()
	s.metrics.ObserveAppendLatency(time.Since(start).Seconds())

	if IsHighRisk(record) {
		s.dispatchAlert(ctx, record)
	}
	return record, nil
}

// append runs the synchronous write pipeline.
func (s *Service) append(ctx context.Context, event Event) (*AuditRecord, error) {
	lock := s.tenantLock(event.TenantID)
	lock.Lock()
	defer lock.Unlock()

	sanitized := redactEvent(event)

	var envelope *EncryptedEnvelope
	if len(sanitized.SensitiveData) > 0 {
		var err error
		envelope, err = s.engine.Encrypt(sanitized.SensitiveData)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt sensitive payload: %w", err)
		}
	}

	for attempt := 1; attempt <= maxAppendRetries; attempt++ {
		record, err := s.buildRecord(ctx, sanitized, envelope)
		if err != nil {
			return nil, err
		}

		err = s.repo.Append(ctx, record)
		if err == nil {
			s.logger.InfoContext(ctx, "record appended",
				slog.String("tenant_id", record.TenantID),
				slog.String("record_id", record.ID),
				slog.Int64("block_number", record.BlockNumber),
				slog.String("type", string(record.Type)))
			return record, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			return nil, err
		}

		// Another writer claimed the block; re-read the tail and rebuild.
		s.metrics.IncAppendConflicts()
		s.logger.DebugContext(ctx, "append conflict, retrying",
			slog.String("tenant_id", record.TenantID),
			slog.Int("attempt", attempt))
	}
	return nil, ErrAppendContention
}

// buildRecord reads the chain tail and assembles the next record: block
// number, previous hash, immutable hash, and signature.
func (s *Service) buildRecord(ctx context.Context, event Event, envelope *EncryptedEnvelope) (*AuditRecord, error) {
	last, err := s.repo.GetLast(ctx, event.TenantID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	var blockNumber int64 = 1
	var previousHash string
	if last != nil {
		blockNumber = last.BlockNumber + 1
		previousHash = last.ImmutableHash
	}

	record := &AuditRecord{
		TenantID:       event.TenantID,
		UserID:         event.UserID,
		PaymentID:      event.PaymentID,
		CustomerID:     event.CustomerID,
		SubscriptionID: event.SubscriptionID,
		Type:           event.Type,
		Provider:       event.Provider,
		Amount:         event.Amount,
		Currency:       event.Currency,
		Status:         event.Status,
		FraudScore:     event.FraudScore,
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		Metadata:       event.Metadata,
		EncryptedData:  envelope,
		PreviousHash:   previousHash,
		BlockNumber:    blockNumber,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}

	hash, err := s.engine.CanonicalHash(record.hashFields())
	if err != nil {
		return nil, fmt.Errorf("failed to hash record: %w", err)
	}
	record.ImmutableHash = hash
	record.Signature = s.engine.Sign(hash, record.TenantID, canonicalTimestamp(record.CreatedAt))
	record.ID = uuid.New().String()
	return record, nil
}

// dispatchAlert forwards a high-risk record to the alerting collaborator on
// a detached goroutine. A slow or failing alert channel cannot delay or fail
// the write path.
func (s *Service) dispatchAlert(ctx context.Context, record *AuditRecord) {
	if s.notifier == nil {
		return
	}

	alertCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.notifier.NotifyHighRisk(alertCtx, record); err != nil {
			s.metrics.IncAlertErrors()
			s.logger.WarnContext(alertCtx, "high-risk alert dispatch failed",
				slog.String("tenant_id", record.TenantID),
				slog.String("record_id", record.ID),
				slog.String("error", err.Error()))
			return
		}
		s.metrics.IncAlertsDispatched()
		s.logger.InfoContext(alertCtx, "high-risk alert dispatched",
			slog.String("tenant_id", record.TenantID),
			slog.String("record_id", record.ID))
	}()
}

// GetAuditTrail queries records matching the filter, newest first. A zero
// limit applies DefaultQueryLimit.
func (s *Service) GetAuditTrail(ctx context.Context, filter QueryFilter, limit int) ([]*AuditRecord, error) {
	if filter.TenantID == "" {
		return nil, ErrInvalidFilter
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	return s.repo.Query(ctx, filter, limit)
}

// DecryptSensitiveData opens a record's ciphertext envelope. Callers are
// expected to gate this behind their own authorization.
func (s *Service) DecryptSensitiveData(record *AuditRecord) (map[string]any, error) {
	if record == nil || record.EncryptedData == nil {
		return nil, ErrNoEncryptedPayload
	}
	return s.engine.Decrypt(record.EncryptedData)
}

// tenantLock returns the append mutex for a tenant, creating it on first use.
func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tenantLocks[tenantID] = lock
	}
	return lock
}

// validateEvent checks the required event fields against the allowed sets.
func validateEvent(event Event) error {
	if event.TenantID == "" {
		return ErrMissingTenant
	}
	if !ValidEventTypes[event.Type] {
		return ErrInvalidEventType
	}
	if !ValidProviders[event.Provider] {
		return ErrInvalidProvider
	}
	if event.Status == "" {
		return ErrMissingStatus
	}
	return nil
}
