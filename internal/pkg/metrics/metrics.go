package metrics

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the billing engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Handler metrics
	HandlerOutcomesTotal *prometheus.CounterVec
	HandlerDuration      *prometheus.HistogramVec

	// Provider metrics
	ProviderCallsTotal *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileOutcomesTotal *prometheus.CounterVec
	ReconcileRunsTotal     *prometheus.CounterVec
	ReconcileLastRun       prometheus.Gauge

	// Webhook / job metrics
	WebhookEventsTotal *prometheus.CounterVec
	JobsProcessedTotal *prometheus.CounterVec

	// Access cache metrics
	AccessCacheTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HandlerOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_handler_outcomes_total",
				Help: "Subscription handler invocations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patronbox_handler_duration_seconds",
				Help:    "Subscription handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_provider_calls_total",
				Help: "Billing provider calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		ReconcileOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_reconcile_records_total",
				Help: "Reconciled subscription records by classification",
			},
			[]string{"outcome"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_reconcile_runs_total",
				Help: "Reconciliation sweeps by scope and result",
			},
			[]string{"scope", "result"},
		),
		ReconcileLastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "patronbox_reconcile_last_run_timestamp_seconds",
				Help: "Unix time of the last finished reconciliation sweep",
			},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_webhook_events_total",
				Help: "Provider webhook events by type and result",
			},
			[]string{"type", "result"},
		),
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_jobs_processed_total",
				Help: "Background jobs by type and result",
			},
			[]string{"type", "result"},
		),
		AccessCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patronbox_access_cache_lookups_total",
				Help: "Access cache lookups by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HandlerOutcomesTotal,
		m.HandlerDuration,
		m.ProviderCallsTotal,
		m.ReconcileOutcomesTotal,
		m.ReconcileRunsTotal,
		m.ReconcileLastRun,
		m.WebhookEventsTotal,
		m.JobsProcessedTotal,
		m.AccessCacheTotal,
	)

	return m
}

var defaultMetrics *Metrics

// Default returns the process-wide metrics, registering Go and process
// collectors on first use.
func Default() *Metrics {
	if defaultMetrics == nil {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultMetrics = NewMetrics(registry)
	}
	return defaultMetrics
}

// Handler exposes the registry on a fiber route.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// ObserveHandler records the outcome of one subscription action.
func (m *Metrics) ObserveHandler(action string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.HandlerOutcomesTotal.WithLabelValues(action, Outcome(err)).Inc()
	m.HandlerDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// ObserveProviderCall records a provider call result. Not-found answers count
// as "not_found" rather than errors.
func (m *Metrics) ObserveProviderCall(operation string, err error, notFound error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case notFound != nil && errors.Is(err, notFound):
		result = "not_found"
	default:
		result = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(operation, result).Inc()
}

// AddReconcileOutcome adds n records to the given classification.
func (m *Metrics) AddReconcileOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconcileOutcomesTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveReconcileRun records a finished sweep.
func (m *Metrics) ObserveReconcileRun(scope string, err error) {
	if m == nil {
		return
	}
	if scope == "" {
		scope = "all"
	} else {
		scope = "creator"
	}
	m.ReconcileRunsTotal.WithLabelValues(scope, Outcome(err)).Inc()
	m.ReconcileLastRun.SetToCurrentTime()
}

// ObserveWebhook records one webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// ObserveJob records one processed background job.
func (m *Metrics) ObserveJob(jobType string, err error) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(jobType, Outcome(err)).Inc()
}

// ObserveAccessCache records a cache "hit", "miss" or "error".
func (m *Metrics) ObserveAccessCache(result string) {
	if m == nil {
		return
	}
	m.AccessCacheTotal.WithLabelValues(result).Inc()
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
