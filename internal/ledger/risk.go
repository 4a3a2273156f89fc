package ledger

// Risk thresholds. The amount threshold is a flat number in minor currency
// units, applied regardless of currency; per-currency thresholds are a known
// open question and deliberately not guessed at here.
const (
	HighRiskFraudScore = 70
	HighRiskAmount     = 10000
)

// StatusFailed is the event status that marks an operation as failed.
const StatusFailed = "failed"

// IsHighRisk reports whether a record warrants out-of-band alerting.
// Pure predicate over the record; no storage side effects.
func IsHighRisk(record *AuditRecord) bool {
	if record == nil {
		return false
	}
	if record.FraudScore != nil && *record.FraudScore > HighRiskFraudScore {
		return true
	}
	if record.Type == EventFraudDetected {
		return true
	}
	if record.Status == StatusFailed {
		return true
	}
	if record.Amount != nil && *record.Amount > HighRiskAmount {
		return true
	}
	return false
}

// RiskReasons returns the individual rules a record tripped, for alert
// payloads and operator diagnostics. Empty for low-risk records.
func RiskReasons(record *AuditRecord) []string {
	if record == nil {
		return nil
	}
	var reasons []string
	if record.FraudScore != nil && *record.FraudScore > HighRiskFraudScore {
		reasons = append(reasons, "fraud score above threshold")
	}
	if record.Type == EventFraudDetected {
		reasons = append(reasons, "fraud detected event")
	}
	if record.Status == StatusFailed {
		reasons = append(reasons, "failed status")
	}
	if record.Amount != nil && *record.Amount > HighRiskAmount {
		reasons = append(reasons, "amount above threshold")
	}
	return reasons
}
