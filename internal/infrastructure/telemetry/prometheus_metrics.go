package telemetry

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig holds configuration for the Prometheus ledger metrics.
type PrometheusConfig struct {
	// Namespace prefixes every metric name. Default: "tokenledger"
	Namespace string

	// SaveBuckets are the histogram buckets for save latency.
	// Default: saveDurationBuckets
	SaveBuckets []float64

	// RuntimeCollectors adds the Go runtime and process collectors
	RuntimeCollectors bool
}

// PrometheusMetrics records ledger measurements in a private Prometheus
// registry served by Handler.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	usageTokens     prometheus.Counter
	ledgerEvents    *prometheus.CounterVec
	autoTopUps      prometheus.Counter
	autoTopUpPacks  prometheus.Counter
	autoTopUpTokens prometheus.Counter
	autoTopUpCharge prometheus.Counter
	saveDuration    *prometheus.HistogramVec
	pendingSaves    prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the ledger metrics.
func NewPrometheusMetrics(config PrometheusConfig) *PrometheusMetrics {
	if config.Namespace == "" {
		config.Namespace = "tokenledger"
	}
	if len(config.SaveBuckets) == 0 {
		config.SaveBuckets = saveDurationBuckets
	}

	registry := prometheus.NewRegistry()
	if config.RuntimeCollectors {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ns := config.Namespace
	m := &PrometheusMetrics{
		registry: registry,
		usageTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "usage_tokens_total",
			Help: "Tokens recorded as consumed.",
		}),
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "ledger_events_total",
			Help: "Ledger events published, by action.",
		}, []string{"action"}),
		autoTopUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "auto_topups_total",
			Help: "Automatic replenishment batches.",
		}),
		autoTopUpPacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "auto_topup_packs_total",
			Help: "Packs bought by automatic replenishment.",
		}),
		autoTopUpTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "auto_topup_tokens_total",
			Help: "Tokens granted by automatic replenishment.",
		}),
		autoTopUpCharge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "auto_topup_charge_minor_units_total",
			Help: "Amount charged for automatic replenishment, in minor currency units.",
		}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "save_duration_seconds",
			Help:    "Ledger save latency, by outcome.",
			Buckets: config.SaveBuckets,
		}, []string{"outcome"}),
		pendingSaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pending_saves",
			Help: "Tenants whose latest ledger state is not yet persisted.",
		}),
	}

	registry.MustRegister(
		m.usageTokens,
		m.ledgerEvents,
		m.autoTopUps,
		m.autoTopUpPacks,
		m.autoTopUpTokens,
		m.autoTopUpCharge,
		m.saveDuration,
		m.pendingSaves,
	)
	return m
}

// RegisterDBStats exposes the connection pool statistics of db
func (m *PrometheusMetrics) RegisterDBStats(db *sql.DB, dbName string) error {
	return m.registry.Register(collectors.NewDBStatsCollector(db, dbName))
}

// Registry returns the underlying registry
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// UsageRecorded counts consumed tokens
func (m *PrometheusMetrics) UsageRecorded(_ context.Context, tokens int64) {
	if tokens > 0 {
		m.usageTokens.Add(float64(tokens))
	}
}

// LedgerEvent counts a published event
func (m *PrometheusMetrics) LedgerEvent(_ context.Context, action string) {
	m.ledgerEvents.WithLabelValues(action).Inc()
}

// AutoTopUp records an automatic replenishment batch
func (m *PrometheusMetrics) AutoTopUp(_ context.Context, packs int, tokens int64, chargeMinorUnits int64) {
	m.autoTopUps.Inc()
	m.autoTopUpPacks.Add(float64(packs))
	m.autoTopUpTokens.Add(float64(tokens))
	m.autoTopUpCharge.Add(float64(chargeMinorUnits))
}

// SaveCompleted records a persistence attempt
func (m *PrometheusMetrics) SaveCompleted(_ context.Context, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.saveDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// PendingRetries reports how many tenants wait for a successful save
func (m *PrometheusMetrics) PendingRetries(n int) {
	m.pendingSaves.Set(float64(n))
}
