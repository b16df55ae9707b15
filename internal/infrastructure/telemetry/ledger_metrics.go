package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrAction  = attribute.Key("ledger.action")
	attrOutcome = attribute.Key("outcome")
)

// saveDurationBuckets are the save latency boundaries in seconds, shared
// with the Prometheus backend
var saveDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3}

// LedgerMetrics records ledger measurements on an OpenTelemetry meter
type LedgerMetrics struct {
	usageTokens     metric.Int64Counter
	ledgerEvents    metric.Int64Counter
	autoTopUps      metric.Int64Counter
	autoTopUpPacks  metric.Int64Counter
	autoTopUpTokens metric.Int64Counter
	autoTopUpCharge metric.Int64Counter
	saveDuration    metric.Float64Histogram
	saveFailures    metric.Int64Counter

	pending atomic.Int64
}

// NewLedgerMetrics creates the ledger instruments on meter
func NewLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	m := &LedgerMetrics{}
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}

	m.usageTokens = counter("ledger_usage_tokens_total", "Tokens recorded as consumed", "{token}")
	m.ledgerEvents = counter("ledger_events_total", "Ledger events published by action", "{event}")
	m.autoTopUps = counter("ledger_auto_topups_total", "Automatic replenishment batches", "{batch}")
	m.autoTopUpPacks = counter("ledger_auto_topup_packs_total", "Packs bought by automatic replenishment", "{pack}")
	m.autoTopUpTokens = counter("ledger_auto_topup_tokens_total", "Tokens granted by automatic replenishment", "{token}")
	m.autoTopUpCharge = counter("ledger_auto_topup_charge_minor_units_total",
		"Amount charged for automatic replenishment, in minor currency units", "{minor_unit}")
	m.saveFailures = counter("ledger_save_failures_total", "Failed ledger saves", "{save}")

	var err error
	m.saveDuration, err = meter.Float64Histogram("ledger_save_duration_seconds",
		metric.WithDescription("Ledger save latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(saveDurationBuckets...),
	)
	errs = append(errs, err)

	_, err = meter.Int64ObservableGauge("ledger_pending_saves",
		metric.WithDescription("Tenants whose latest ledger state is not yet persisted"),
		metric.WithUnit("{tenant}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.pending.Load())
			return nil
		}),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// UsageRecorded counts consumed tokens
func (m *LedgerMetrics) UsageRecorded(ctx context.Context, tokens int64) {
	if tokens > 0 {
		m.usageTokens.Add(ctx, tokens)
	}
}

// LedgerEvent counts a published event
func (m *LedgerMetrics) LedgerEvent(ctx context.Context, action string) {
	m.ledgerEvents.Add(ctx, 1, metric.WithAttributes(attrAction.String(action)))
}

// AutoTopUp records an automatic replenishment batch
func (m *LedgerMetrics) AutoTopUp(ctx context.Context, packs int, tokens int64, chargeMinorUnits int64) {
	m.autoTopUps.Add(ctx, 1)
	m.autoTopUpPacks.Add(ctx, int64(packs))
	m.autoTopUpTokens.Add(ctx, tokens)
	m.autoTopUpCharge.Add(ctx, chargeMinorUnits)
}

// SaveCompleted records a persistence attempt
func (m *LedgerMetrics) SaveCompleted(ctx context.Context, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.saveFailures.Add(ctx, 1)
	}
	m.saveDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrOutcome.String(outcome)))
}

// PendingRetries reports how many tenants wait for a successful save
func (m *LedgerMetrics) PendingRetries(n int) {
	m.pending.Store(int64(n))
}
