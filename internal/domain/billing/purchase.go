package billing

import (
	"fmt"
	"time"

	"go.jetify.com/typeid/v2"
)

// PurchaseIDPrefix is the TypeID prefix of purchase identifiers (e.g. "pur_01h2x...")
const PurchaseIDPrefix = "pur"

// Purchase is a pack bought by the tenant or by automatic replenishment.
// TokenCount and PriceMinorUnits are copied from the catalog at purchase time.
type Purchase struct {
	PurchaseID          string
	AddonID             string
	TokenCount          int64
	PriceMinorUnits     int64
	PurchasedAt         time.Time
	IsAutoReplenishment bool
	// SettledPeriod is empty while the purchase counts toward live capacity.
	// Rollover sets it to the new period key once the purchase's unused
	// tokens have been folded into the account's rollover pool.
	SettledPeriod string
}

// NewPurchase creates a purchase of def at the given time
func NewPurchase(def AddOnDefinition, purchasedAt time.Time, auto bool) Purchase {
	return Purchase{
		PurchaseID:          NewPurchaseID(),
		AddonID:             def.ID,
		TokenCount:          def.TokenCount,
		PriceMinorUnits:     def.PriceMinorUnits,
		PurchasedAt:         purchasedAt,
		IsAutoReplenishment: auto,
	}
}

// NewPurchaseID generates a K-sortable purchase identifier
func NewPurchaseID() string {
	tid, err := typeid.Generate(PurchaseIDPrefix)
	if err != nil {
		panic(fmt.Sprintf("billing: invalid purchase id prefix %q: %v", PurchaseIDPrefix, err))
	}
	return tid.String()
}

// IsSettled reports whether the purchase has been folded into rollover
func (p Purchase) IsSettled() bool {
	return p.SettledPeriod != ""
}
