package ledger

import "testing"

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestIsHighRisk(t *testing.T) {
	tests := []struct {
		name   string
		record *AuditRecord
		want   bool
	}{
		{
			name:   "nil record",
			record: nil,
			want:   false,
		},
		{
			name: "ordinary payment",
			record: &AuditRecord{
				Type:   EventPaymentCreated,
				Status: "success",
				Amount: int64Ptr(500),
			},
			want: false,
		},
		{
			name: "fraud score above threshold",
			record: &AuditRecord{
				Type:       EventPaymentCreated,
				Status:     "success",
				FraudScore: intPtr(71),
			},
			want: true,
		},
		{
			name: "fraud score at threshold",
			record: &AuditRecord{
				Type:       EventPaymentCreated,
				Status:     "success",
				FraudScore: intPtr(70),
			},
			want: false,
		},
		{
			name: "fraud detected event",
			record: &AuditRecord{
				Type:   EventFraudDetected,
				Status: "success",
			},
			want: true,
		},
		{
			name: "failed status",
			record: &AuditRecord{
				Type:   EventPaymentCreated,
				Status: StatusFailed,
			},
			want: true,
		},
		{
			name: "amount above threshold",
			record: &AuditRecord{
				Type:   EventPaymentCreated,
				Status: "success",
				Amount: int64Ptr(10001),
			},
			want: true,
		},
		{
			name: "amount at threshold",
			record: &AuditRecord{
				Type:   EventPaymentCreated,
				Status: "success",
				Amount: int64Ptr(10000),
			},
			want: false,
		},
		{
			name: "missing optional fields",
			record: &AuditRecord{
				Type:   EventSecurityEvent,
				Status: "success",
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHighRisk(tt.record); got != tt.want {
				t.Errorf("IsHighRisk() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRiskReasons(t *testing.T) {
	record := &AuditRecord{
		Type:       EventFraudDetected,
		Status:     StatusFailed,
		Amount:     int64Ptr(50000),
		FraudScore: intPtr(95),
	}
	reasons := RiskReasons(record)
	if len(reasons) != 4 {
		t.Errorf("RiskReasons() = %v, want all 4 rules tripped", reasons)
	}

	if got := RiskReasons(&AuditRecord{Type: EventPaymentCreated, Status: "success"}); len(got) != 0 {
		t.Errorf("RiskReasons() = %v, want none", got)
	}
	if got := RiskReasons(nil); got != nil {
		t.Errorf("RiskReasons(nil) = %v, want nil", got)
	}
}
