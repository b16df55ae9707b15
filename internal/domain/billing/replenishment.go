package billing

import (
	"fmt"
	"math"
	"time"
)

// ReplenishmentOutcome is what the policy decided for an account
type ReplenishmentOutcome string

const (
	// OutcomeHealthy means capacity remains; nothing to do
	OutcomeHealthy ReplenishmentOutcome = "healthy"
	// OutcomeBlocked means capacity is exhausted and the kill switch holds
	OutcomeBlocked ReplenishmentOutcome = "blocked"
	// OutcomeTopUp means packs must be bought to close the deficit
	OutcomeTopUp ReplenishmentOutcome = "top_up"
)

// ReplenishmentDecision is the result of evaluating an account
type ReplenishmentDecision struct {
	Outcome ReplenishmentOutcome
	// Notify is set on the first blocked evaluation of an exhaustion episode
	Notify      bool
	Deficit     int64
	PacksNeeded int
	Pack        AddOnDefinition
}

// ReplenishmentPolicy decides whether an exhausted account is blocked or
// topped up with the catalog's designated auto top-up pack.
type ReplenishmentPolicy struct {
	catalog *Catalog
}

// NewReplenishmentPolicy creates a policy buying packs from catalog
func NewReplenishmentPolicy(catalog *Catalog) *ReplenishmentPolicy {
	return &ReplenishmentPolicy{catalog: catalog}
}

// PacksNeeded returns ceil((deficit+1)/packSize): enough packs to leave at
// least one token of remaining capacity. It is computed as
// floor(deficit/packSize)+1 so a deficit near math.MaxInt64 cannot overflow.
func PacksNeeded(deficit, packSize int64) int {
	if packSize <= 0 {
		return 0
	}
	if deficit < 0 {
		deficit = 0
	}
	packs := deficit / packSize
	if packs >= math.MaxInt {
		return math.MaxInt
	}
	return int(packs) + 1
}

// Decide evaluates the account without changing it
func (p *ReplenishmentPolicy) Decide(account *LedgerAccount) ReplenishmentDecision {
	if account.Remaining() > 0 {
		return ReplenishmentDecision{Outcome: OutcomeHealthy}
	}

	if account.KillswitchEnabled {
		return ReplenishmentDecision{
			Outcome: OutcomeBlocked,
			Notify:  !account.CapAcknowledged,
		}
	}

	pack := p.catalog.AutoTopUpPack()
	deficit := account.UsedTokens - account.TotalCapacity()
	return ReplenishmentDecision{
		Outcome:     OutcomeTopUp,
		Deficit:     deficit,
		PacksNeeded: PacksNeeded(deficit, pack.TokenCount),
		Pack:        pack,
	}
}

// Apply evaluates the account and carries out the decision
func (p *ReplenishmentPolicy) Apply(account *LedgerAccount, now time.Time) ReplenishmentDecision {
	decision := p.Decide(account)

	switch decision.Outcome {
	case OutcomeHealthy:
		account.CapAcknowledged = false

	case OutcomeBlocked:
		if decision.Notify {
			account.record(ActionCapacityExhausted, SeverityWarning,
				"Token capacity exhausted, automations paused",
				map[string]any{
					"used_tokens":    account.UsedTokens,
					"total_capacity": account.TotalCapacity(),
				}, now)
			account.CapAcknowledged = true
		}

	case OutcomeTopUp:
		p.topUp(account, decision, now)
	}

	return decision
}

func (p *ReplenishmentPolicy) topUp(account *LedgerAccount, decision ReplenishmentDecision, now time.Time) {
	if decision.PacksNeeded <= 0 {
		return
	}
	batch := make([]Purchase, 0, decision.PacksNeeded)
	purchaseIDs := make([]string, 0, decision.PacksNeeded)
	for i := 0; i < decision.PacksNeeded; i++ {
		purchase := NewPurchase(decision.Pack, now, true)
		batch = append(batch, purchase)
		purchaseIDs = append(purchaseIDs, purchase.PurchaseID)
	}
	account.addPurchases(batch...)

	tokensAdded := int64(decision.PacksNeeded) * decision.Pack.TokenCount
	totalCharge := int64(decision.PacksNeeded) * decision.Pack.PriceMinorUnits
	account.PendingAutoTopUpNotice = &AutoTopUpNotice{
		PacksApplied: decision.PacksNeeded,
		TokensAdded:  tokensAdded,
		TotalCharge:  totalCharge,
		OccurredAt:   now,
	}
	account.CapAcknowledged = false

	account.record(ActionAutoTopUp, SeverityWarning,
		fmt.Sprintf("Capacity exhausted, bought %d x %s (+%d tokens)", decision.PacksNeeded, decision.Pack.Name, tokensAdded),
		map[string]any{
			"addon_id":      decision.Pack.ID,
			"packs_applied": decision.PacksNeeded,
			"tokens_added":  tokensAdded,
			"total_charge":  totalCharge,
			"deficit":       decision.Deficit,
			"purchase_ids":  purchaseIDs,
		}, now)
}
