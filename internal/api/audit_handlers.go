// Package api provides HTTP handlers for the chainlog API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainlog/chainlog/internal/archive"
	"github.com/chainlog/chainlog/internal/ledger"
	"github.com/chainlog/chainlog/internal/middleware"
)

// ExportArchiver pushes export artifacts to long-term object storage.
type ExportArchiver interface {
	Store(ctx context.Context, tenantID, format string, payload []byte) (*archive.Upload, error)
}

// Query limits for audit trail requests.
const (
	DefaultTrailLimit = 100
	MaxTrailLimit     = 1000
)

// AppendEventRequest represents the request body for recording an audit event.
type AppendEventRequest struct {
	Type           string         `json:"type"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	Amount         *int64         `json:"amount,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	FraudScore     *int           `json:"fraud_score,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	PaymentID      string         `json:"payment_id,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SensitiveData  map[string]any `json:"sensitive_data,omitempty"`
}

// AuditTrailResponse wraps an audit trail query result.
type AuditTrailResponse struct {
	Records []*ledger.AuditRecord `json:"records"`
	Count   int                   `json:"count"`
}

// AuditHandlers holds dependencies for audit ledger HTTP handlers.
type AuditHandlers struct {
	service  *ledger.Service
	verifier *ledger.Verifier
	repo     ledger.Repository
	archiver ExportArchiver
	logger   *slog.Logger
}

// NewAuditHandlers creates a new AuditHandlers instance.
func NewAuditHandlers(service *ledger.Service, verifier *ledger.Verifier, repo ledger.Repository, logger *slog.Logger) *AuditHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandlers{
		service:  service,
		verifier: verifier,
		repo:     repo,
		logger:   logger,
	}
}

// WithArchiver enables export archival to object storage.
func (h *AuditHandlers) WithArchiver(archiver ExportArchiver) *AuditHandlers {
	h.archiver = archiver
	return h
}

// requestTenant resolves the authenticated tenant for the request. Writes a
// 401 and returns "" when the request carries no tenant.
func (h *AuditHandlers) requestTenant(w http.ResponseWriter, r *http.Request) string {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Missing tenant identity")
	}
	return tenantID
}

// HandleAppendEvent records a new audit event on the tenant's chain.
// POST /v1/events
func (h *AuditHandlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}

	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}

	event := ledger.Event{
		TenantID:       tenantID,
		Type:           ledger.EventType(req.Type),
		Provider:       ledger.Provider(req.Provider),
		Status:         req.Status,
		Amount:         req.Amount,
		Currency:       req.Currency,
		FraudScore:     req.FraudScore,
		UserID:         req.UserID,
		PaymentID:      req.PaymentID,
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		Metadata:       req.Metadata,
		SensitiveData:  req.SensitiveData,
	}

	record, err := h.service.Append(ctx, event)
	if err != nil {
		h.writeAppendError(w, r, err)
		return
	}

	writeJSON(w, ctx, http.StatusCreated, record)
}

// writeAppendError maps append pipeline errors to API error responses.
func (h *AuditHandlers) writeAppendError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, ledger.ErrMissingTenant),
		errors.Is(err, ledger.ErrInvalidEventType),
		errors.Is(err, ledger.ErrInvalidProvider),
		errors.Is(err, ledger.ErrMissingStatus):
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, ledger.ErrChainConflict), errors.Is(err, ledger.ErrAppendContention):
		ctx = middleware.SetErrorCode(ctx, ErrCodeChainConflict)
		WriteError(w, ctx, http.StatusConflict, ErrCodeChainConflict, "Concurrent append conflict, retry the request")
	default:
		h.logger.ErrorContext(ctx, "append failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to record event")
	}
}

// HandleRecord routes /v1/records/{id} and /v1/records/{id}/verify.
func (h *AuditHandlers) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/records/"), "/")
	switch {
	case len(pathParts) == 1 && pathParts[0] != "":
		h.getRecord(w, r, pathParts[0])
	case len(pathParts) == 2 && pathParts[1] == "verify":
		h.verifyRecord(w, r, pathParts[0])
	default:
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Not found")
	}
}

// getRecord returns a single audit record owned by the requesting tenant.
func (h *AuditHandlers) getRecord(w http.ResponseWriter, r *http.Request, recordID string) {
	ctx := r.Context()

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}

	record, err := h.repo.GetByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeRecordNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeRecordNotFound, "Record not found")
			return
		}
		h.logger.ErrorContext(ctx, "record lookup failed", "record_id", recordID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load record")
		return
	}

	// Records are tenant-scoped; respond as not found rather than forbidden
	// so record IDs do not leak across tenants.
	if record.TenantID != tenantID {
		ctx = middleware.SetErrorCode(ctx, ErrCodeRecordNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeRecordNotFound, "Record not found")
		return
	}

	writeJSON(w, ctx, http.StatusOK, record)
}

// verifyRecord re-derives the record's hash, signature, and chain linkage.
func (h *AuditHandlers) verifyRecord(w http.ResponseWriter, r *http.Request, recordID string) {
	ctx := r.Context()

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}

	result, err := h.verifier.Verify(ctx, recordID)
	if err != nil {
		h.logger.ErrorContext(ctx, "verification failed", "record_id", recordID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Verification failed")
		return
	}

	if result.Record != nil && result.Record.TenantID != tenantID {
		ctx = middleware.SetErrorCode(ctx, ErrCodeRecordNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeRecordNotFound, "Record not found")
		return
	}

	writeJSON(w, ctx, http.StatusOK, result)
}

// HandleVerifyChain walks the tenant's whole chain from tail to genesis.
// GET /v1/chains/{tenant}/verify
func (h *AuditHandlers) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/chains/"), "/")
	if len(pathParts) != 2 || pathParts[1] != "verify" || pathParts[0] == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Not found")
		return
	}
	chainTenant := pathParts[0]

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}
	if chainTenant != tenantID {
		ctx = middleware.SetErrorCode(ctx, ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Cannot verify another tenant's chain")
		return
	}

	report, err := h.verifier.VerifyChain(ctx, chainTenant)
	if err != nil {
		h.logger.ErrorContext(ctx, "chain verification failed", "tenant_id", chainTenant, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Chain verification failed")
		return
	}

	writeJSON(w, ctx, http.StatusOK, report)
}

// HandleAuditTrail returns the tenant's audit trail, newest first.
// GET /v1/audit-trail
func (h *AuditHandlers) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}

	filter, limit, errMsg := trailQuery(r, tenantID)
	if errMsg != "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidFilter)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFilter, errMsg)
		return
	}

	records, err := h.service.GetAuditTrail(ctx, filter, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidFilter) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidFilter)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFilter, err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "audit trail query failed", "tenant_id", tenantID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to query audit trail")
		return
	}

	writeJSON(w, ctx, http.StatusOK, AuditTrailResponse{
		Records: records,
		Count:   len(records),
	})
}

// Export content types by format.
var exportContentTypes = map[ledger.ExportFormat]string{
	ledger.ExportFormatCSV:  "text/csv; charset=utf-8",
	ledger.ExportFormatJSON: "application/json; charset=utf-8",
	ledger.ExportFormatCBOR: "application/cbor",
}

// HandleExportTrail exports the tenant's audit trail in the requested format.
// GET /v1/audit-trail/export?format=csv|json|cbor
func (h *AuditHandlers) HandleExportTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	tenantID := h.requestTenant(w, r)
	if tenantID == "" {
		return
	}

	format := ledger.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ledger.ExportFormatJSON
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		ctx = middleware.SetErrorCode(ctx, ErrCodeUnsupportedFormat)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeUnsupportedFormat, "Unsupported export format: "+string(format))
		return
	}

	filter, limit, errMsg := trailQuery(r, tenantID)
	if errMsg != "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidFilter)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidFilter, errMsg)
		return
	}

	data, err := ledger.ExportTrail(ctx, h.repo, ledger.ExportOptions{
		Format: format,
		Filter: filter,
		Limit:  limit,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "export failed", "tenant_id", tenantID, "format", format, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Export failed")
		return
	}

	// ?archive=true stores the artifact in object storage and returns its
	// location instead of streaming the file.
	if r.URL.Query().Get("archive") == "true" {
		if h.archiver == nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Export archival is not configured")
			return
		}
		upload, err := h.archiver.Store(ctx, tenantID, string(format), data)
		if err != nil {
			h.logger.ErrorContext(ctx, "export archival failed", "tenant_id", tenantID, "error", err)
			ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to archive export")
			return
		}
		writeJSON(w, ctx, http.StatusOK, upload)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="audit-trail.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.ErrorContext(ctx, "failed to write export", "error", err)
	}
}

// trailQuery parses audit-trail query parameters into a filter and limit.
// Returns a non-empty error message on invalid input.
func trailQuery(r *http.Request, tenantID string) (ledger.QueryFilter, int, string) {
	q := r.URL.Query()

	filter := ledger.QueryFilter{
		TenantID:       tenantID,
		PaymentID:      q.Get("payment_id"),
		CustomerID:     q.Get("customer_id"),
		SubscriptionID: q.Get("subscription_id"),
		UserID:         q.Get("user_id"),
		Type:           ledger.EventType(q.Get("type")),
	}

	if raw := q.Get("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, "start_date must be RFC 3339"
		}
		filter.StartDate = t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, "end_date must be RFC 3339"
		}
		filter.EndDate = t
	}
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		return filter, 0, "end_date must not precede start_date"
	}

	limit := DefaultTrailLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, 0, "limit must be a positive integer"
		}
		if parsed > MaxTrailLimit {
			parsed = MaxTrailLimit
		}
		limit = parsed
	}

	return filter, limit, ""
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
