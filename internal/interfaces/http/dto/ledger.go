package dto

import (
	"time"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/shopspring/decimal"
)

// CurrencyExponent is the number of minor units digits in the billing currency
const CurrencyExponent = 2

// Money is an amount in both minor units and display form
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Amount     string `json:"amount"`
}

// NewMoney converts minor units to a Money value
func NewMoney(minorUnits int64) Money {
	return Money{
		MinorUnits: minorUnits,
		Amount:     decimal.New(minorUnits, -CurrencyExponent).StringFixed(CurrencyExponent),
	}
}

// RecordUsageRequest is the body of POST /usage. Negative deltas reach
// the service, which reports them as ERR_INVALID_INPUT.
type RecordUsageRequest struct {
	Delta *int64 `json:"delta" binding:"required,max=1000000000" example:"1500"`
}

// PurchaseAddonRequest is the body of POST /purchases
type PurchaseAddonRequest struct {
	AddonID string `json:"addon_id" binding:"required,max=64"`
}

// RefundRequest binds the purchase path parameter
type RefundRequest struct {
	PurchaseID string `uri:"purchase_id" binding:"required,max=64"`
}

// ListEventsRequest binds the events query string
type ListEventsRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// AddonResponse describes a purchasable pack
type AddonResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TokenCount  int64  `json:"token_count"`
	Price       Money  `json:"price"`
	Description string `json:"description,omitempty"`
	AutoTopUp   bool   `json:"auto_top_up"`
}

// PurchaseResponse describes one purchase line item
type PurchaseResponse struct {
	PurchaseID          string    `json:"purchase_id"`
	AddonID             string    `json:"addon_id"`
	TokenCount          int64     `json:"token_count"`
	Price               Money     `json:"price"`
	PurchasedAt         time.Time `json:"purchased_at"`
	IsAutoReplenishment bool      `json:"is_auto_replenishment"`
	SettledPeriod       string    `json:"settled_period,omitempty"`
}

// AutoTopUpNoticeResponse describes an unacknowledged automatic top-up
type AutoTopUpNoticeResponse struct {
	PacksApplied int       `json:"packs_applied"`
	TokensAdded  int64     `json:"tokens_added"`
	TotalCharge  Money     `json:"total_charge"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SnapshotResponse is the tenant's ledger as seen by API clients
type SnapshotResponse struct {
	TenantID               string                   `json:"tenant_id"`
	BasePlanAllowance      int64                    `json:"base_plan_allowance"`
	UsedTokens             int64                    `json:"used_tokens"`
	TotalCapacity          int64                    `json:"total_capacity"`
	Remaining              int64                    `json:"remaining"`
	RolloverTokens         int64                    `json:"rollover_tokens"`
	KillswitchEnabled      bool                     `json:"killswitch_enabled"`
	KillswitchTriggered    bool                     `json:"killswitch_triggered"`
	LastResetPeriod        string                   `json:"last_reset_period"`
	Purchases              []PurchaseResponse       `json:"purchases"`
	PendingAutoTopUpNotice *AutoTopUpNoticeResponse `json:"pending_auto_top_up_notice,omitempty"`
	Version                int                      `json:"version"`
}

// ReplenishmentResponse reports the policy decision taken after a change
type ReplenishmentResponse struct {
	Outcome     string `json:"outcome"`
	Notify      bool   `json:"notify,omitempty"`
	Deficit     int64  `json:"deficit,omitempty"`
	PacksNeeded int    `json:"packs_needed,omitempty"`
}

// OperationResponse is returned by every mutating endpoint
type OperationResponse struct {
	Applied       bool                  `json:"applied"`
	RolledOver    bool                  `json:"rolled_over,omitempty"`
	Purchase      *PurchaseResponse     `json:"purchase,omitempty"`
	Replenishment ReplenishmentResponse `json:"replenishment"`
	Snapshot      SnapshotResponse      `json:"snapshot"`
}

// EventResponse is one audit trail entry
type EventResponse struct {
	EventID    string         `json:"event_id"`
	Category   string         `json:"category"`
	Action     string         `json:"action"`
	Severity   string         `json:"severity"`
	Summary    string         `json:"summary"`
	Meta       map[string]any `json:"meta"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ToAddonResponses maps catalog entries; autoTopUpID marks the replenishment pack
func ToAddonResponses(addons []billing.AddOnDefinition, autoTopUpID string) []AddonResponse {
	out := make([]AddonResponse, len(addons))
	for i, a := range addons {
		out[i] = AddonResponse{
			ID:          a.ID,
			Name:        a.Name,
			TokenCount:  a.TokenCount,
			Price:       NewMoney(a.PriceMinorUnits),
			Description: a.Description,
			AutoTopUp:   a.ID == autoTopUpID,
		}
	}
	return out
}

// ToPurchaseResponse maps a purchase
func ToPurchaseResponse(p billing.Purchase) PurchaseResponse {
	return PurchaseResponse{
		PurchaseID:          p.PurchaseID,
		AddonID:             p.AddonID,
		TokenCount:          p.TokenCount,
		Price:               NewMoney(p.PriceMinorUnits),
		PurchasedAt:         p.PurchasedAt,
		IsAutoReplenishment: p.IsAutoReplenishment,
		SettledPeriod:       p.SettledPeriod,
	}
}

// ToSnapshotResponse maps a ledger snapshot
func ToSnapshotResponse(s billing.LedgerSnapshot) SnapshotResponse {
	purchases := make([]PurchaseResponse, len(s.Purchases))
	for i, p := range s.Purchases {
		purchases[i] = ToPurchaseResponse(p)
	}

	resp := SnapshotResponse{
		TenantID:            s.TenantID.String(),
		BasePlanAllowance:   s.BasePlanAllowance,
		UsedTokens:          s.UsedTokens,
		TotalCapacity:       s.TotalCapacity,
		Remaining:           s.Remaining,
		RolloverTokens:      s.RolloverTokens,
		KillswitchEnabled:   s.KillswitchEnabled,
		KillswitchTriggered: s.KillswitchTriggered,
		LastResetPeriod:     s.LastResetPeriod,
		Purchases:           purchases,
		Version:             s.Version,
	}
	if n := s.PendingAutoTopUpNotice; n != nil {
		resp.PendingAutoTopUpNotice = &AutoTopUpNoticeResponse{
			PacksApplied: n.PacksApplied,
			TokensAdded:  n.TokensAdded,
			TotalCharge:  NewMoney(n.TotalCharge),
			OccurredAt:   n.OccurredAt,
		}
	}
	return resp
}

// ToOperationResponse maps the result of a mutating ledger operation
func ToOperationResponse(r *appbilling.OperationResult) OperationResponse {
	resp := OperationResponse{
		Applied:    r.Applied,
		RolledOver: r.RolledOver,
		Replenishment: ReplenishmentResponse{
			Outcome:     string(r.Replenishment.Outcome),
			Notify:      r.Replenishment.Notify,
			Deficit:     r.Replenishment.Deficit,
			PacksNeeded: r.Replenishment.PacksNeeded,
		},
		Snapshot: ToSnapshotResponse(r.Snapshot),
	}
	if resp.Replenishment.Outcome == "" {
		resp.Replenishment.Outcome = string(billing.OutcomeHealthy)
	}
	if r.Purchase != nil {
		p := ToPurchaseResponse(*r.Purchase)
		resp.Purchase = &p
	}
	return resp
}

// ToEventResponses maps audit trail entries
func ToEventResponses(events []*billing.LedgerEvent) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, e := range events {
		out[i] = EventResponse{
			EventID:    e.EventID().String(),
			Category:   e.Category,
			Action:     string(e.Action),
			Severity:   string(e.Severity),
			Summary:    e.Summary,
			Meta:       e.Meta,
			OccurredAt: e.OccurredAt(),
		}
	}
	return out
}
