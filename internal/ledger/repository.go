package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Repository errors.
var (
	// ErrRecordNotFound is returned when a lookup matches no record.
	ErrRecordNotFound = errors.New("audit record not found")

	// ErrChainConflict is returned by Append when the record's block number
	// has already been claimed for its tenant. The caller must re-read the
	// chain tail and rebuild the record before retrying.
	ErrChainConflict = errors.New("chain tail advanced concurrently")

	// ErrInvalidFilter is returned when a query filter is missing a tenant.
	ErrInvalidFilter = errors.New("query filter requires a tenant id")
)

// Repository defines the boundary to durable ledger storage. Implementations
// must offer read-after-write consistency within a tenant, and Append must be
// conditional: it fails with ErrChainConflict if (tenant_id, block_number)
// already exists, which is what serializes concurrent appends.
type Repository interface {
	// Append persists a fully assembled record. Returns ErrChainConflict
	// if the block number has already been claimed for the tenant.
	Append(ctx context.Context, record *AuditRecord) error

	// GetLast retrieves the chain tail for a tenant.
	// Returns ErrRecordNotFound for a tenant with no records.
	GetLast(ctx context.Context, tenantID string) (*AuditRecord, error)

	// GetByID retrieves a record by its ID.
	GetByID(ctx context.Context, id string) (*AuditRecord, error)

	// GetPrevious retrieves the record immediately preceding the given one
	// in its tenant's chain. Returns ErrRecordNotFound if the predecessor
	// is missing or the record is the first in its chain.
	GetPrevious(ctx context.Context, record *AuditRecord) (*AuditRecord, error)

	// Query retrieves records matching the filter, newest first, capped at
	// limit (0 = no limit).
	Query(ctx context.Context, filter QueryFilter, limit int) ([]*AuditRecord, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*AuditRecord
	// chains maps tenant ID to record IDs in block-number order.
	chains map[string][]string
	// order preserves global insertion order for newest-first queries.
	order []string
}

// NewInMemoryRepository creates a new in-memory ledger repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*AuditRecord),
		chains:  make(map[string][]string),
	}
}

// Append persists a record, enforcing the conditional-append contract.
func (r *InMemoryRepository) Append(ctx context.Context, record *AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.chains[record.TenantID]
	if record.BlockNumber != int64(len(chain))+1 {
		return ErrChainConflict
	}

	stored := record.clone()
	r.records[stored.ID] = stored
	r.chains[record.TenantID] = append(chain, stored.ID)
	r.order = append(r.order, stored.ID)
	return nil
}

// GetLast retrieves the chain tail for a tenant.
func (r *InMemoryRepository) GetLast(ctx context.Context, tenantID string) (*AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[tenantID]
	if len(chain) == 0 {
		return nil, ErrRecordNotFound
	}
	return r.records[chain[len(chain)-1]].clone(), nil
}

// GetByID retrieves a record by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.clone(), nil
}

// GetPrevious retrieves the predecessor of a record within its tenant chain.
func (r *InMemoryRepository) GetPrevious(ctx context.Context, record *AuditRecord) (*AuditRecord, error) {
	if record.BlockNumber <= 1 {
		return nil, ErrRecordNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.chains[record.TenantID]
	idx := record.BlockNumber - 2 // chain is 0-indexed, blocks are 1-based
	if idx < 0 || idx >= int64(len(chain)) {
		return nil, ErrRecordNotFound
	}
	return r.records[chain[idx]].clone(), nil
}

// Query retrieves records matching the filter, newest first.
func (r *InMemoryRepository) Query(ctx context.Context, filter QueryFilter, limit int) ([]*AuditRecord, error) {
	if filter.TenantID == "" {
		return nil, ErrInvalidFilter
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditRecord
	for i := len(r.order) - 1; i >= 0; i-- {
		record := r.records[r.order[i]]
		if !matchesFilter(record, filter) {
			continue
		}
		results = append(results, record.clone())
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// ListTenants returns every tenant that has at least one record, sorted.
func (r *InMemoryRepository) ListTenants(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]string, 0, len(r.chains))
	for tenant := range r.chains {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// tamper overwrites a stored field in place, bypassing the append-only
// contract. Only reachable from tests in this package.
func (r *InMemoryRepository) tamper(id string, mutate func(*AuditRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return false
	}
	mutate(record)
	return true
}

// matchesFilter reports whether a record satisfies every set filter field.
func matchesFilter(record *AuditRecord, filter QueryFilter) bool {
	if record.TenantID != filter.TenantID {
		return false
	}
	if filter.PaymentID != "" && record.PaymentID != filter.PaymentID {
		return false
	}
	if filter.CustomerID != "" && record.CustomerID != filter.CustomerID {
		return false
	}
	if filter.SubscriptionID != "" && record.SubscriptionID != filter.SubscriptionID {
		return false
	}
	if filter.UserID != "" && record.UserID != filter.UserID {
		return false
	}
	if filter.Type != "" && record.Type != filter.Type {
		return false
	}
	if !filter.StartDate.IsZero() && record.CreatedAt.Before(filter.StartDate) {
		return false
	}
	if !filter.EndDate.IsZero() && record.CreatedAt.After(filter.EndDate) {
		return false
	}
	return true
}
