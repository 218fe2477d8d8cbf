package observability

import (
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the CRM service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration     *prometheus.HistogramVec
	storeErrors         *prometheus.CounterVec
	conversions         *prometheus.CounterVec
	profileResolutions  *prometheus.CounterVec
	degradedScopes      prometheus.Counter
	activeSubscriptions *prometheus.GaugeVec
	idempotency         *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_operation_duration_seconds",
				Help:    "Duration of core operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_store_errors_total",
				Help: "Total document store failures by backend and operation.",
			},
			[]string{"backend", "op"},
		),
		conversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_conversions_total",
				Help: "Prospect to deal conversions by outcome.",
			},
			[]string{"outcome"},
		),
		profileResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_profile_resolutions_total",
				Help: "Principal to tenant user resolutions by outcome.",
			},
			[]string{"outcome"},
		),
		degradedScopes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crm_degraded_scopes_total",
				Help: "Access scopes computed in degraded mode.",
			},
		),
		activeSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crm_active_subscriptions",
				Help: "Live document subscriptions currently held.",
			},
			[]string{"kind"},
		),
		idempotency: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_idempotency_total",
				Help: "Idempotency key outcomes.",
			},
			[]string{"result"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrStoreError counts a failed backend call.
func (m *Metrics) IncrStoreError(backend, op string) {
	m.storeErrors.WithLabelValues(backend, op).Inc()
}

// IncrConversion counts a conversion outcome: success, partial or rejected.
func (m *Metrics) IncrConversion(outcome string) {
	m.conversions.WithLabelValues(outcome).Inc()
}

// IncrProfileResolution counts a resolution outcome: found, not_found, default or error.
func (m *Metrics) IncrProfileResolution(outcome string) {
	m.profileResolutions.WithLabelValues(outcome).Inc()
}

// IncrDegradedScope counts a scope computed without its upstream data.
func (m *Metrics) IncrDegradedScope() {
	m.degradedScopes.Inc()
}

// SubscriptionOpened tracks a new live subscription.
func (m *Metrics) SubscriptionOpened(kind string) {
	m.activeSubscriptions.WithLabelValues(kind).Inc()
}

// SubscriptionClosed tracks a released live subscription.
func (m *Metrics) SubscriptionClosed(kind string) {
	m.activeSubscriptions.WithLabelValues(kind).Dec()
}

// IncrIdempotency counts an idempotency outcome: stored, replayed, in_flight or error.
func (m *Metrics) IncrIdempotency(result string) {
	m.idempotency.WithLabelValues(result).Inc()
}

// Snapshot returns the counters behind GET /v1/metrics/summary.
func (m *Metrics) Snapshot() *domain.MetricsSummary {
	succeeded := getCounterValue(m.conversions, "success")
	partial := getCounterValue(m.conversions, "partial")
	rejected := getCounterValue(m.conversions, "rejected")

	rate := float64(0)
	if total := succeeded + partial; total > 0 {
		rate = succeeded / total
	}

	storeErrors := float64(0)
	for _, mf := range gather(m.storeErrors) {
		if mf.Counter != nil && mf.Counter.Value != nil {
			storeErrors += *mf.Counter.Value
		}
	}

	active := float64(0)
	for _, mf := range gather(m.activeSubscriptions) {
		if mf.Gauge != nil && mf.Gauge.Value != nil {
			active += *mf.Gauge.Value
		}
	}

	return &domain.MetricsSummary{
		ConversionsSucceeded: succeeded,
		ConversionsPartial:   partial,
		ConversionsRejected:  rejected,
		ConversionRate:       rate,
		DegradedScopes:       readMetric(m.degradedScopes),
		ProfilesResolved:     getCounterValue(m.profileResolutions, "found"),
		ProfilesDefaulted:    getCounterValue(m.profileResolutions, "default"),
		ProfilesNotFound:     getCounterValue(m.profileResolutions, "not_found"),
		ActiveSubscriptions:  active,
		IdempotentReplays:    getCounterValue(m.idempotency, "replayed"),
		StoreErrors:          storeErrors,
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return readMetric(cv.WithLabelValues(label))
}

func readMetric(c prometheus.Metric) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	switch {
	case m.Counter != nil && m.Counter.Value != nil:
		return *m.Counter.Value
	case m.Gauge != nil && m.Gauge.Value != nil:
		return *m.Gauge.Value
	}
	return 0
}

// gather collects every child of a vector without creating new label sets.
func gather(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err == nil {
			out = append(out, m)
		}
	}
	return out
}
