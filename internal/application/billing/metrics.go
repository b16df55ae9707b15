package billing

import (
	"context"
	"time"
)

// Metrics receives ledger measurements. Implementations live in the
// telemetry package (OpenTelemetry and Prometheus backends).
type Metrics interface {
	// UsageRecorded counts consumed tokens
	UsageRecorded(ctx context.Context, tokens int64)
	// LedgerEvent counts a published ledger event by action
	LedgerEvent(ctx context.Context, action string)
	// AutoTopUp records an automatic replenishment batch
	AutoTopUp(ctx context.Context, packs int, tokens int64, chargeMinorUnits int64)
	// SaveCompleted records a persistence attempt
	SaveCompleted(ctx context.Context, duration time.Duration, err error)
	// PendingRetries reports how many tenants wait for a successful save
	PendingRetries(n int)
}

type nopMetrics struct{}

func (nopMetrics) UsageRecorded(context.Context, int64) {}
func (nopMetrics) LedgerEvent(context.Context, string) {}
func (nopMetrics) AutoTopUp(context.Context, int, int64, int64) {}
func (nopMetrics) SaveCompleted(context.Context, time.Duration, error) {}
func (nopMetrics) PendingRetries(int) {}
