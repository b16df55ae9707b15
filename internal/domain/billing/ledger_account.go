package billing

import (
	"fmt"
	"time"

	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/google/uuid"
)

// MaxUsedTokens bounds the usage of one period, keeping every derived
// capacity sum well inside int64.
const MaxUsedTokens int64 = 1 << 60

// LedgerAccount is the per-tenant token ledger.
// It is the unit of persistence and of locking: exactly one exists per tenant.
type LedgerAccount struct {
	shared.BaseAggregateRoot
	TenantID          uuid.UUID
	BasePlanAllowance int64      // Supplied by the tenant's subscription tier
	UsedTokens        int64      // Non-decreasing within a period, reset to 0 at rollover
	RolloverTokens    int64      // Unused capacity carried from the previous period
	Purchases         []Purchase // Most recent first
	KillswitchEnabled bool
	LastResetPeriod   string // Period key, e.g. "2025-01"
	// CapAcknowledged is set once the tenant has been told capacity is
	// exhausted and cleared as soon as capacity is available again.
	CapAcknowledged        bool
	PendingAutoTopUpNotice *AutoTopUpNotice
}

// NewLedgerAccount opens a ledger for tenantID in the given period
func NewLedgerAccount(tenantID uuid.UUID, allowance int64, period string, now time.Time) (*LedgerAccount, error) {
	if tenantID == uuid.Nil {
		return nil, ErrInvalidTenant
	}
	if allowance < 0 {
		return nil, ErrInvalidAllowance
	}
	if period == "" {
		return nil, shared.ErrInvalidInput.WithMessage("Period key cannot be empty")
	}

	return &LedgerAccount{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(now),
		TenantID:          tenantID,
		BasePlanAllowance: allowance,
		Purchases:         make([]Purchase, 0),
		LastResetPeriod:   period,
	}, nil
}

// LivePurchasedTokens sums the tokens of purchases that have not been settled
func (a *LedgerAccount) LivePurchasedTokens() int64 {
	var total int64
	for _, p := range a.Purchases {
		if !p.IsSettled() {
			total += p.TokenCount
		}
	}
	return total
}

// TotalCapacity is the base allowance plus rollover plus live purchases
func (a *LedgerAccount) TotalCapacity() int64 {
	return a.BasePlanAllowance + a.RolloverTokens + a.LivePurchasedTokens()
}

// Remaining returns the unused capacity, never negative
func (a *LedgerAccount) Remaining() int64 {
	remaining := a.TotalCapacity() - a.UsedTokens
	if remaining < 0 {
		return 0
	}
	return remaining
}

// KillswitchTriggered reports whether consumption should be blocked
func (a *LedgerAccount) KillswitchTriggered() bool {
	return a.KillswitchEnabled && a.Remaining() == 0
}

// RecordUsage adds consumed tokens. Usage is never rejected for lack of
// capacity; the replenishment policy decides what happens next.
func (a *LedgerAccount) RecordUsage(delta int64) error {
	if delta < 0 {
		return ErrInvalidUsageDelta
	}
	if delta > 0 && delta > MaxUsedTokens-a.UsedTokens {
		return ErrInvalidUsageDelta.WithMessage(
			fmt.Sprintf("Usage delta %d would take the period past %d tokens", delta, MaxUsedTokens))
	}
	a.UsedTokens += delta
	return nil
}

// PurchaseAddon buys one pack of def on behalf of the tenant
func (a *LedgerAccount) PurchaseAddon(def AddOnDefinition, now time.Time) Purchase {
	purchase := NewPurchase(def, now, false)
	a.addPurchases(purchase)
	a.CapAcknowledged = false

	a.record(ActionPurchaseAddon, SeverityInfo,
		fmt.Sprintf("Purchased %s (+%d tokens)", def.Name, def.TokenCount),
		map[string]any{
			"purchase_id":       purchase.PurchaseID,
			"addon_id":          def.ID,
			"token_count":       def.TokenCount,
			"price_minor_units": def.PriceMinorUnits,
		}, now)
	return purchase
}

// RefundPurchase removes the purchase with purchaseID. It returns false,
// without emitting anything, when no such purchase exists.
//
// A settled purchase's tokens already live in the rollover pool, so
// refunding it deducts them from there instead.
func (a *LedgerAccount) RefundPurchase(purchaseID string, now time.Time) (Purchase, bool) {
	refunded, rolloverDeducted, ok := a.removePurchase(purchaseID)
	if !ok {
		return Purchase{}, false
	}

	a.record(ActionRefundAddon, SeverityInfo,
		fmt.Sprintf("Refunded purchase %s (-%d tokens)", refunded.PurchaseID, refunded.TokenCount),
		map[string]any{
			"purchase_id":       refunded.PurchaseID,
			"addon_id":          refunded.AddonID,
			"token_count":       refunded.TokenCount,
			"price_minor_units": refunded.PriceMinorUnits,
			"rollover_deducted": rolloverDeducted,
		}, now)
	return refunded, true
}

// ToggleKillswitch flips the kill switch and returns the new state
func (a *LedgerAccount) ToggleKillswitch(now time.Time) bool {
	a.KillswitchEnabled = !a.KillswitchEnabled

	if a.KillswitchEnabled {
		a.record(ActionKillswitchEnabled, SeverityInfo,
			"Kill switch enabled, usage will pause when capacity runs out",
			map[string]any{"remaining": a.Remaining()}, now)
	} else {
		a.record(ActionKillswitchDisabled, SeverityInfo,
			"Kill switch disabled, packs will be bought automatically when capacity runs out",
			map[string]any{"remaining": a.Remaining()}, now)
	}
	return a.KillswitchEnabled
}

// SetBasePlanAllowance applies the allowance reported by the subscription
// tier. It returns true when the value changed.
func (a *LedgerAccount) SetBasePlanAllowance(allowance int64, now time.Time) (bool, error) {
	if allowance < 0 {
		return false, ErrInvalidAllowance
	}
	if allowance == a.BasePlanAllowance {
		return false, nil
	}

	previous := a.BasePlanAllowance
	a.BasePlanAllowance = allowance
	a.record(ActionAllowanceChanged, SeverityInfo,
		fmt.Sprintf("Base plan allowance changed from %d to %d tokens", previous, allowance),
		map[string]any{
			"previous_allowance":  previous,
			"base_plan_allowance": allowance,
		}, now)
	return true, nil
}

// AcknowledgeAutoTopUp clears the pending auto top-up notice. It returns
// false when there was nothing to acknowledge.
func (a *LedgerAccount) AcknowledgeAutoTopUp(now time.Time) bool {
	notice := a.PendingAutoTopUpNotice
	if notice == nil {
		return false
	}
	a.PendingAutoTopUpNotice = nil

	a.record(ActionAutoTopUpAcknowledged, SeverityInfo, "Auto top-up notice acknowledged",
		map[string]any{
			"packs_applied": notice.PacksApplied,
			"tokens_added":  notice.TokensAdded,
			"total_charge":  notice.TotalCharge,
		}, now)
	return true
}

// Snapshot returns a detached read-only view of the account
func (a *LedgerAccount) Snapshot() LedgerSnapshot {
	purchases := make([]Purchase, len(a.Purchases))
	copy(purchases, a.Purchases)

	var notice *AutoTopUpNotice
	if a.PendingAutoTopUpNotice != nil {
		n := *a.PendingAutoTopUpNotice
		notice = &n
	}

	return LedgerSnapshot{
		TenantID:               a.TenantID,
		BasePlanAllowance:      a.BasePlanAllowance,
		UsedTokens:             a.UsedTokens,
		TotalCapacity:          a.TotalCapacity(),
		Remaining:              a.Remaining(),
		RolloverTokens:         a.RolloverTokens,
		KillswitchEnabled:      a.KillswitchEnabled,
		KillswitchTriggered:    a.KillswitchTriggered(),
		Purchases:              purchases,
		LastResetPeriod:        a.LastResetPeriod,
		PendingAutoTopUpNotice: notice,
		Version:                a.Version,
	}
}

// Clone returns a deep copy without pending domain events
func (a *LedgerAccount) Clone() *LedgerAccount {
	c := *a
	c.Purchases = make([]Purchase, len(a.Purchases))
	copy(c.Purchases, a.Purchases)
	if a.PendingAutoTopUpNotice != nil {
		n := *a.PendingAutoTopUpNotice
		c.PendingAutoTopUpNotice = &n
	}
	c.ClearDomainEvents()
	return &c
}

// removePurchase drops the line item and, for a settled purchase, takes its
// tokens back out of the rollover pool
func (a *LedgerAccount) removePurchase(purchaseID string) (Purchase, int64, bool) {
	idx := a.purchaseIndex(purchaseID)
	if idx < 0 {
		return Purchase{}, 0, false
	}

	removed := a.Purchases[idx]
	a.Purchases = append(a.Purchases[:idx:idx], a.Purchases[idx+1:]...)

	var rolloverDeducted int64
	if removed.IsSettled() {
		rolloverDeducted = min(removed.TokenCount, a.RolloverTokens)
		a.RolloverTokens -= rolloverDeducted
	}
	return removed, rolloverDeducted, true
}

func (a *LedgerAccount) purchaseIndex(purchaseID string) int {
	for i, p := range a.Purchases {
		if p.PurchaseID == purchaseID {
			return i
		}
	}
	return -1
}

// addPurchases puts a batch in front of the list. The batch is given in
// creation order, so the last one created ends up first.
func (a *LedgerAccount) addPurchases(batch ...Purchase) {
	merged := make([]Purchase, 0, len(batch)+len(a.Purchases))
	for i := len(batch) - 1; i >= 0; i-- {
		merged = append(merged, batch[i])
	}
	a.Purchases = append(merged, a.Purchases...)
}

func (a *LedgerAccount) record(action LedgerAction, severity Severity, summary string, meta map[string]any, now time.Time) {
	a.AddDomainEvent(NewLedgerEvent(a, action, severity, summary, meta, now))
}

// LedgerSnapshot is a point-in-time view of a ledger account
type LedgerSnapshot struct {
	TenantID               uuid.UUID
	BasePlanAllowance      int64
	UsedTokens             int64
	TotalCapacity          int64
	Remaining              int64
	RolloverTokens         int64
	KillswitchEnabled      bool
	KillswitchTriggered    bool
	Purchases              []Purchase
	LastResetPeriod        string
	PendingAutoTopUpNotice *AutoTopUpNotice
	Version                int
}

var _ shared.AggregateRoot = (*LedgerAccount)(nil)
