package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chainlog/chainlog/internal/archive"
	"github.com/chainlog/chainlog/internal/ledger"
	"github.com/chainlog/chainlog/internal/middleware"
	"github.com/fxamacker/cbor/v2"
)

// newAuditTestHandlers builds handlers over an in-memory repository and an
// ephemeral crypto engine.
func newAuditTestHandlers(t *testing.T) (*AuditHandlers, *ledger.InMemoryRepository, *ledger.Service) {
	t.Helper()

	repo := ledger.NewInMemoryRepository()
	engine, err := ledger.NewEphemeralEngine()
	if err != nil {
		t.Fatalf("NewEphemeralEngine() error = %v", err)
	}
	service, err := ledger.NewService(ledger.ServiceConfig{
		Repository: repo,
		Engine:     engine,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	verifier := ledger.NewVerifier(repo, engine, nil, nil)
	return NewAuditHandlers(service, verifier, repo, nil), repo, service
}

// appendTestRecord appends one record for the tenant and returns it.
func appendTestRecord(t *testing.T, service *ledger.Service, tenantID string) *ledger.AuditRecord {
	t.Helper()

	amount := int64(4999)
	record, err := service.Append(context.Background(), ledger.Event{
		TenantID:  tenantID,
		Type:      ledger.EventPaymentCreated,
		Provider:  ledger.ProviderStripe,
		Status:    "succeeded",
		Amount:    &amount,
		Currency:  "usd",
		PaymentID: "pi_test_1",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return record
}

// tenantRequest builds a request carrying an authenticated tenant.
func tenantRequest(method, target, tenantID string, body []byte) *http.Request {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		ctx := middleware.SetTenantID(req.Context(), tenantID)
		req = req.WithContext(ctx)
	}
	return req
}

// responseErrorCode extracts the error code from an error envelope.
func responseErrorCode(t *testing.T, body []byte) string {
	t.Helper()

	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to unmarshal error response: %v", err)
	}
	return resp.Error.Code
}

func TestHandleAppendEvent_Success(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	body, _ := json.Marshal(AppendEventRequest{
		Type:      "payment_created",
		Provider:  "stripe",
		Status:    "succeeded",
		PaymentID: "pi_123",
		Currency:  "usd",
		Metadata:  map[string]any{"order_id": "ord_42"},
	})
	req := tenantRequest("POST", "/v1/events", "tenant-acme", body)
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var record ledger.AuditRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if record.TenantID != "tenant-acme" {
		t.Errorf("TenantID = %q, want %q", record.TenantID, "tenant-acme")
	}
	if record.BlockNumber != 1 {
		t.Errorf("BlockNumber = %d, want 1", record.BlockNumber)
	}
	if record.ImmutableHash == "" {
		t.Error("Expected non-empty immutable hash")
	}
	if record.Signature == "" {
		t.Error("Expected non-empty signature")
	}
}

func TestHandleAppendEvent_TenantFromTokenWins(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	// The body cannot name a tenant; the authenticated tenant owns the record.
	body := []byte(`{"type":"payment_created","provider":"stripe","status":"succeeded","tenant_id":"tenant-other"}`)
	req := tenantRequest("POST", "/v1/events", "tenant-acme", body)
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var record ledger.AuditRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if record.TenantID != "tenant-acme" {
		t.Errorf("TenantID = %q, want %q", record.TenantID, "tenant-acme")
	}
}

func TestHandleAppendEvent_SensitiveDataEncrypted(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	body, _ := json.Marshal(AppendEventRequest{
		Type:          "payment_created",
		Provider:      "stripe",
		Status:        "succeeded",
		SensitiveData: map[string]any{"card_fingerprint": "fp_sensitive_123"},
	})
	req := tenantRequest("POST", "/v1/events", "tenant-acme", body)
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("fp_sensitive_123")) {
		t.Error("Response contains sensitive plaintext")
	}
	var record ledger.AuditRecord
	if err := json.Unmarshal(w.Body.Bytes(), &record); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if record.EncryptedData == nil {
		t.Fatal("Expected encrypted payload on record")
	}
	if record.EncryptedData.Algorithm != ledger.AlgorithmAESGCM {
		t.Errorf("Algorithm = %q, want %q", record.EncryptedData.Algorithm, ledger.AlgorithmAESGCM)
	}
}

func TestHandleAppendEvent_ValidationError(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	tests := []struct {
		name string
		body AppendEventRequest
	}{
		{"unknown event type", AppendEventRequest{Type: "bogus", Provider: "stripe", Status: "ok"}},
		{"unknown provider", AppendEventRequest{Type: "payment_created", Provider: "square", Status: "ok"}},
		{"missing status", AppendEventRequest{Type: "payment_created", Provider: "stripe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := tenantRequest("POST", "/v1/events", "tenant-acme", body)
			w := httptest.NewRecorder()

			handlers.HandleAppendEvent(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeValidation {
				t.Errorf("Error code = %q, want %q", code, ErrCodeValidation)
			}
		})
	}
}

func TestHandleAppendEvent_InvalidJSON(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("POST", "/v1/events", "tenant-acme", []byte("{not json"))
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandleAppendEvent_MissingTenant(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	body, _ := json.Marshal(AppendEventRequest{Type: "payment_created", Provider: "stripe", Status: "succeeded"})
	req := tenantRequest("POST", "/v1/events", "", body)
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeAuthFailed {
		t.Errorf("Error code = %q, want %q", code, ErrCodeAuthFailed)
	}
}

func TestHandleAppendEvent_MethodNotAllowed(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/events", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleAppendEvent(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleRecord_GetSuccess(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	record := appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/records/"+record.ID, "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got ledger.AuditRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if got.ID != record.ID {
		t.Errorf("ID = %q, want %q", got.ID, record.ID)
	}
	if got.ImmutableHash != record.ImmutableHash {
		t.Errorf("ImmutableHash = %q, want %q", got.ImmutableHash, record.ImmutableHash)
	}
}

func TestHandleRecord_NotFound(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/records/nonexistent", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeRecordNotFound {
		t.Errorf("Error code = %q, want %q", code, ErrCodeRecordNotFound)
	}
}

func TestHandleRecord_CrossTenantHidden(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	record := appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/records/"+record.ID, "tenant-globex", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	// Another tenant's record looks identical to a missing one.
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeRecordNotFound {
		t.Errorf("Error code = %q, want %q", code, ErrCodeRecordNotFound)
	}
}

func TestHandleRecord_VerifyValid(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	record := appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/records/"+record.ID+"/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result ledger.VerificationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !result.IsValid {
		t.Errorf("IsValid = false, errors = %v", result.Errors)
	}
}

// tamperedRepo wraps a repository, corrupting one record's status on read.
type tamperedRepo struct {
	ledger.Repository
	targetID string
}

func (r *tamperedRepo) GetByID(ctx context.Context, id string) (*ledger.AuditRecord, error) {
	record, err := r.Repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.ID == r.targetID {
		record.Status = "tampered"
	}
	return record, nil
}

func TestHandleRecord_VerifyDetectsTampering(t *testing.T) {
	repo := ledger.NewInMemoryRepository()
	engine, err := ledger.NewEphemeralEngine()
	if err != nil {
		t.Fatalf("NewEphemeralEngine() error = %v", err)
	}
	service, err := ledger.NewService(ledger.ServiceConfig{Repository: repo, Engine: engine})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	record := appendTestRecord(t, service, "tenant-acme")

	tampered := &tamperedRepo{Repository: repo, targetID: record.ID}
	verifier := ledger.NewVerifier(tampered, engine, nil, nil)
	handlers := NewAuditHandlers(service, verifier, tampered, nil)

	req := tenantRequest("GET", "/v1/records/"+record.ID+"/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result ledger.VerificationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result.IsValid {
		t.Error("Expected tampered record to fail verification")
	}
	found := false
	for _, e := range result.Errors {
		if e == ledger.VerifyErrHash {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want to include %q", result.Errors, ledger.VerifyErrHash)
	}
}

func TestHandleRecord_VerifyUnknownRecord(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/records/nonexistent/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleRecord(w, req)

	// An unknown record is a verification outcome, not a transport error.
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result ledger.VerificationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if result.IsValid {
		t.Error("Expected unknown record to be invalid")
	}
}

func TestHandleVerifyChain_Success(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	for i := 0; i < 3; i++ {
		appendTestRecord(t, service, "tenant-acme")
	}

	req := tenantRequest("GET", "/v1/chains/tenant-acme/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleVerifyChain(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var report ledger.ChainReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if report.Records != 3 {
		t.Errorf("Records = %d, want 3", report.Records)
	}
	if len(report.Violations) != 0 {
		t.Errorf("Violations = %v, want none", report.Violations)
	}
}

func TestHandleVerifyChain_OtherTenantForbidden(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/chains/tenant-globex/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleVerifyChain(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeForbidden {
		t.Errorf("Error code = %q, want %q", code, ErrCodeForbidden)
	}
}

func TestHandleVerifyChain_EmptyChain(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/chains/tenant-acme/verify", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleVerifyChain(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var report ledger.ChainReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if report.Records != 0 {
		t.Errorf("Records = %d, want 0", report.Records)
	}
}

func TestHandleAuditTrail_Success(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")
	appendTestRecord(t, service, "tenant-acme")
	appendTestRecord(t, service, "tenant-globex")

	req := tenantRequest("GET", "/v1/audit-trail", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleAuditTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp AuditTrailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Count = %d, want 2", resp.Count)
	}
	for _, record := range resp.Records {
		if record.TenantID != "tenant-acme" {
			t.Errorf("Record %s has tenant %q, want tenant-acme", record.ID, record.TenantID)
		}
	}
	// Newest first
	if len(resp.Records) == 2 && resp.Records[0].BlockNumber < resp.Records[1].BlockNumber {
		t.Error("Expected records newest first")
	}
}

func TestHandleAuditTrail_FilterByType(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")
	if _, err := service.Append(context.Background(), ledger.Event{
		TenantID: "tenant-acme",
		Type:     ledger.EventPaymentRefunded,
		Provider: ledger.ProviderStripe,
		Status:   "refunded",
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	req := tenantRequest("GET", "/v1/audit-trail?type=payment_refunded", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleAuditTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp AuditTrailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("Count = %d, want 1", resp.Count)
	}
	if resp.Records[0].Type != ledger.EventPaymentRefunded {
		t.Errorf("Type = %q, want %q", resp.Records[0].Type, ledger.EventPaymentRefunded)
	}
}

func TestHandleAuditTrail_Limit(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	for i := 0; i < 5; i++ {
		appendTestRecord(t, service, "tenant-acme")
	}

	req := tenantRequest("GET", "/v1/audit-trail?limit=2", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleAuditTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp AuditTrailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Count = %d, want 2", resp.Count)
	}
}

func TestHandleAuditTrail_InvalidQuery(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	tests := []struct {
		name   string
		target string
	}{
		{"bad start date", "/v1/audit-trail?start_date=yesterday"},
		{"bad end date", "/v1/audit-trail?end_date=2026-99-99"},
		{"inverted range", "/v1/audit-trail?start_date=2026-06-01T00:00:00Z&end_date=2026-05-01T00:00:00Z"},
		{"zero limit", "/v1/audit-trail?limit=0"},
		{"negative limit", "/v1/audit-trail?limit=-5"},
		{"non-numeric limit", "/v1/audit-trail?limit=many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tenantRequest("GET", tt.target, "tenant-acme", nil)
			w := httptest.NewRecorder()

			handlers.HandleAuditTrail(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeInvalidFilter {
				t.Errorf("Error code = %q, want %q", code, ErrCodeInvalidFilter)
			}
		})
	}
}

func TestHandleAuditTrail_DateRange(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")

	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	end := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	req := tenantRequest("GET", "/v1/audit-trail?start_date="+start+"&end_date="+end, "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleAuditTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp AuditTrailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("Count = %d, want 1", resp.Count)
	}
}

func TestHandleExportTrail_JSON(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/audit-trail/export?format=json", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "audit-trail.json") {
		t.Errorf("Content-Disposition = %q, want audit-trail.json attachment", cd)
	}
	var records []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("Failed to unmarshal export: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Exported %d records, want 1", len(records))
	}
}

func TestHandleExportTrail_DefaultsToJSON(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/audit-trail/export", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandleExportTrail_CSV(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	record := appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/audit-trail/export?format=csv", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, record.ID) {
		t.Error("CSV export missing record ID")
	}
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 2 {
		t.Errorf("CSV export has %d lines, want header plus one row", len(lines))
	}
}

func TestHandleExportTrail_CBOR(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	record := appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/audit-trail/export?format=cbor", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/cbor" {
		t.Errorf("Content-Type = %q, want application/cbor", ct)
	}
	var decoded []map[string]any
	if err := cbor.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Failed to decode CBOR export: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("Exported %d records, want 1", len(decoded))
	}
	if decoded[0]["id"] != record.ID {
		t.Errorf("Exported id = %v, want %q", decoded[0]["id"], record.ID)
	}
}

func TestHandleExportTrail_UnsupportedFormat(t *testing.T) {
	handlers, _, _ := newAuditTestHandlers(t)

	req := tenantRequest("GET", "/v1/audit-trail/export?format=xml", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeUnsupportedFormat {
		t.Errorf("Error code = %q, want %q", code, ErrCodeUnsupportedFormat)
	}
}

func TestHandleExportTrail_TenantScoped(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")
	other := appendTestRecord(t, service, "tenant-globex")

	req := tenantRequest("GET", "/v1/audit-trail/export?format=json", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte(other.ID)) {
		t.Error("Export contains another tenant's record")
	}
}

// stubArchiver records the last Store call without touching object storage.
type stubArchiver struct {
	tenantID string
	format   string
	payload  []byte
	err      error
}

func (s *stubArchiver) Store(_ context.Context, tenantID, format string, payload []byte) (*archive.Upload, error) {
	s.tenantID = tenantID
	s.format = format
	s.payload = payload
	if s.err != nil {
		return nil, s.err
	}
	return &archive.Upload{
		Key:       "audit-exports/" + tenantID + "/20260315T093000Z." + format,
		Bucket:    "chainlog-archive",
		Size:      int64(len(payload)),
		SignedURL: "https://storage.example.com/signed",
	}, nil
}

func TestHandleExportTrail_Archive(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")

	archiver := &stubArchiver{}
	handlers.WithArchiver(archiver)

	req := tenantRequest("GET", "/v1/audit-trail/export?format=csv&archive=true", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if archiver.tenantID != "tenant-acme" {
		t.Errorf("Archived tenant = %q, want %q", archiver.tenantID, "tenant-acme")
	}
	if archiver.format != "csv" {
		t.Errorf("Archived format = %q, want %q", archiver.format, "csv")
	}
	if len(archiver.payload) == 0 {
		t.Error("Archived payload is empty")
	}

	var upload archive.Upload
	if err := json.Unmarshal(w.Body.Bytes(), &upload); err != nil {
		t.Fatalf("Failed to decode upload response: %v", err)
	}
	if upload.Bucket != "chainlog-archive" {
		t.Errorf("Bucket = %q, want %q", upload.Bucket, "chainlog-archive")
	}
	if upload.SignedURL == "" {
		t.Error("Expected a signed URL in the response")
	}
}

func TestHandleExportTrail_ArchiveNotConfigured(t *testing.T) {
	handlers, _, service := newAuditTestHandlers(t)
	appendTestRecord(t, service, "tenant-acme")

	req := tenantRequest("GET", "/v1/audit-trail/export?archive=true", "tenant-acme", nil)
	w := httptest.NewRecorder()

	handlers.HandleExportTrail(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if code := responseErrorCode(t, w.Body.Bytes()); code != ErrCodeBadRequest {
		t.Errorf("Error code = %q, want %q", code, ErrCodeBadRequest)
	}
}
