package billing

import (
	"fmt"
	"time"
)

// PeriodLayout formats billing period keys (calendar months)
const PeriodLayout = "2006-01"

// PeriodKey returns the billing period containing t, in t's location
func PeriodKey(t time.Time) string {
	return t.Format(PeriodLayout)
}

// RolloverResult describes an applied period reset
type RolloverResult struct {
	PreviousPeriod   string
	Period           string
	Carryover        int64
	SettledPurchases int
}

// Rollover moves the account into period. Unused capacity from the old
// period becomes the new rollover pool, usage resets to zero and allowance
// becomes the new base plan allowance.
//
// Live purchases are kept as line items but marked settled so their tokens
// are only counted once, through the rollover pool.
//
// It returns false and changes nothing when the account is already in
// period, and ErrInvalidAllowance for a negative allowance.
func Rollover(account *LedgerAccount, period string, allowance int64, now time.Time) (RolloverResult, bool, error) {
	if allowance < 0 {
		return RolloverResult{}, false, ErrInvalidAllowance
	}
	if account.LastResetPeriod == period {
		return RolloverResult{}, false, nil
	}

	carryover := account.Remaining()
	result := RolloverResult{
		PreviousPeriod: account.LastResetPeriod,
		Period:         period,
		Carryover:      carryover,
	}

	for i := range account.Purchases {
		if !account.Purchases[i].IsSettled() {
			account.Purchases[i].SettledPeriod = period
			result.SettledPurchases++
		}
	}

	account.UsedTokens = 0
	account.RolloverTokens = carryover
	account.BasePlanAllowance = allowance
	account.LastResetPeriod = period
	account.CapAcknowledged = false

	account.record(ActionMonthlyReset, SeverityInfo,
		fmt.Sprintf("New billing period %s started, %d tokens rolled over", period, carryover),
		map[string]any{
			"carryover":           carryover,
			"base_plan_allowance": allowance,
			"previous_period":     result.PreviousPeriod,
			"period":              period,
			"settled_purchases":   result.SettledPurchases,
		}, now)

	return result, true, nil
}
