package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricAppends          = "ledger_appends_total"
	MetricAppendErrors     = "ledger_append_errors_total"
	MetricAppendConflicts  = "ledger_append_conflicts_total"
	MetricFallbackWrites   = "ledger_fallback_writes_total"
	MetricAlertsDispatched = "ledger_alerts_dispatched_total"
	MetricAlertErrors      = "ledger_alert_errors_total"
	MetricVerifications    = "ledger_verifications_total"
	MetricVerifyFailures   = "ledger_verification_failures_total"
	MetricAppendLatency    = "ledger_append_latency_seconds"
)

// Metrics contains Prometheus metrics for the ledger.
// All operations are thread-safe.
type Metrics struct {
	appends          prometheus.Counter
	appendErrors     prometheus.Counter
	appendConflicts  prometheus.Counter
	fallbackWrites   prometheus.Counter
	alertsDispatched prometheus.Counter
	alertErrors      prometheus.Counter
	verifications    prometheus.Counter
	verifyFailures   prometheus.Counter
	appendLatency    prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors
// initialized. The metrics are not registered; call Register to register
// them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppends,
			Help: "Total number of records appended to the ledger",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendErrors,
			Help: "Total number of append operations that failed",
		}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendConflicts,
			Help: "Total number of conditional append conflicts that triggered a retry",
		}),
		fallbackWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFallbackWrites,
			Help: "Total number of emergency fallback trace writes",
		}),
		alertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAlertsDispatched,
			Help: "Total number of high-risk alerts dispatched",
		}),
		alertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAlertErrors,
			Help: "Total number of high-risk alert dispatch failures",
		}),
		verifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVerifications,
			Help: "Total number of record verifications performed",
		}),
		verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVerifyFailures,
			Help: "Total number of verifications that found at least one violation",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAppendLatency,
			Help:    "Histogram of append latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Collectors returns all collectors managed by this Metrics instance.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.appendErrors,
		m.appendConflicts,
		m.fallbackWrites,
		m.alertsDispatched,
		m.alertErrors,
		m.verifications,
		m.verifyFailures,
		m.appendLatency,
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncAppends increments the appended records counter.
func (m *Metrics) IncAppends() {
	if m != nil {
		m.appends.Inc()
	}
}

// IncAppendErrors increments the failed appends counter.
func (m *Metrics) IncAppendErrors() {
	if m != nil {
		m.appendErrors.Inc()
	}
}

// IncAppendConflicts increments the append conflict counter.
func (m *Metrics) IncAppendConflicts() {
	if m != nil {
		m.appendConflicts.Inc()
	}
}

// IncFallbackWrites increments the fallback trace counter.
func (m *Metrics) IncFallbackWrites() {
	if m != nil {
		m.fallbackWrites.Inc()
	}
}

// IncAlertsDispatched increments the dispatched alerts counter.
func (m *Metrics) IncAlertsDispatched() {
	if m != nil {
		m.alertsDispatched.Inc()
	}
}

// IncAlertErrors increments the alert failure counter.
func (m *Metrics) IncAlertErrors() {
	if m != nil {
		m.alertErrors.Inc()
	}
}

// IncVerifications increments the verification counter.
func (m *Metrics) IncVerifications() {
	if m != nil {
		m.verifications.Inc()
	}
}

// IncVerifyFailures increments the verification failure counter.
func (m *Metrics) IncVerifyFailures() {
	if m != nil {
		m.verifyFailures.Inc()
	}
}

// ObserveAppendLatency records an append duration in seconds.
func (m *Metrics) ObserveAppendLatency(seconds float64) {
	if m != nil {
		m.appendLatency.Observe(seconds)
	}
}
