package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chainlog/chainlog/internal/tracing"
)

// Verifier recomputes hashes and signatures for stored records and checks
// chain linkage. Integrity violations are first-class results, not errors:
// detecting tampering is an expected outcome of verification.
type Verifier struct {
	repo    Repository
	engine  *Engine
	metrics *Metrics
	logger  *slog.Logger
}

// NewVerifier creates a verifier over the given repository and engine.
func NewVerifier(repo Repository, engine *Engine, metrics *Metrics, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		repo:    repo,
		engine:  engine,
		metrics: metrics,
		logger:  logger,
	}
}

// Verify checks a single record. All applicable checks run even after an
// earlier one fails, so one call surfaces every broken invariant at once.
// A missing record is reported as a result, not an error; the error return
// covers storage failures only.
func (v *Verifier) Verify(ctx context.Context, recordID string) (*VerificationResult, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "ledger.verify")
	result, err := v.verify(ctx, recordID)
	endSpan(err)
	if err != nil {
		return nil, err
	}

	v.metrics.IncVerifications()
	if !result.IsValid {
		v.metrics.IncVerifyFailures()
		v.logger.WarnContext(ctx, "record failed verification",
			slog.String("record_id", recordID),
			slog.Any("errors", result.Errors))
	}
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, recordID string) (*VerificationResult, error) {
	record, err := v.repo.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return &VerificationResult{
				IsValid: false,
				Errors:  []string{VerifyErrNotFound},
			}, nil
		}
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}

	result := &VerificationResult{
		Errors: []string{},
		Record: record,
	}
	v.checkRecord(ctx, record, result)
	result.IsValid = len(result.Errors) == 0
	return result, nil
}

// checkRecord runs the hash, signature, and chain-linkage checks, appending
// each violation to the result. It never short-circuits.
func (v *Verifier) checkRecord(ctx context.Context, record *AuditRecord, result *VerificationResult) {
	recomputed, err := v.engine.CanonicalHash(record.hashFields())
	if err != nil || recomputed != record.ImmutableHash {
		result.Errors = append(result.Errors, VerifyErrHash)
	}

	timestamp := canonicalTimestamp(record.CreatedAt)
	if !v.engine.VerifySignature(record.Signature, record.ImmutableHash, record.TenantID, timestamp) {
		result.Errors = append(result.Errors, VerifyErrSignature)
	}

	v.checkChainLink(ctx, record, result)
}

// checkChainLink confirms the record's predecessor linkage. A record past
// block 1 must carry a previous hash matching the predecessor's immutable
// hash, and that predecessor must exist.
func (v *Verifier) checkChainLink(ctx context.Context, record *AuditRecord, result *VerificationResult) {
	if record.PreviousHash == "" {
		if record.BlockNumber > 1 {
			result.Errors = append(result.Errors, VerifyErrChain)
		}
		return
	}

	previous, err := v.repo.GetPrevious(ctx, record)
	if err != nil || previous.ImmutableHash != record.PreviousHash {
		result.Errors = append(result.Errors, VerifyErrChain)
	}
}

// ChainReport summarizes a full-chain scan for one tenant.
type ChainReport struct {
	TenantID   string   `json:"tenant_id"`
	Records    int      `json:"records"`
	Violations []string `json:"violations"`
}

// VerifyChain walks a tenant's entire chain from tail to genesis, verifying
// every record. Violations are reported as "<record id> block <n>: <check>"
// strings. An empty chain is valid.
func (v *Verifier) VerifyChain(ctx context.Context, tenantID string) (*ChainReport, error) {
	report := &ChainReport{
		TenantID:   tenantID,
		Violations: []string{},
	}

	record, err := v.repo.GetLast(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to read chain tail: %w", err)
	}

	for record != nil {
		report.Records++

		result := &VerificationResult{Errors: []string{}}
		v.checkRecord(ctx, record, result)
		for _, check := range result.Errors {
			report.Violations = append(report.Violations,
				fmt.Sprintf("%s block %d: %s", record.ID, record.BlockNumber, check))
		}

		if record.BlockNumber <= 1 {
			break
		}
		previous, err := v.repo.GetPrevious(ctx, record)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				// Linkage violation was already recorded by checkRecord.
				break
			}
			return nil, fmt.Errorf("failed to walk chain: %w", err)
		}
		record = previous
	}
	return report, nil
}
