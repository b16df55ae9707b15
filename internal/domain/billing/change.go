package billing

// LedgerChange is the net effect of one mutation on an account. Changes
// that could not be saved are merged onto a newer stored version of the
// same ledger instead of overwriting it.
type LedgerChange struct {
	Period            string // Period the mutation was applied in
	UsageDelta        int64
	Added             []Purchase // Creation order
	Removed           []string   // Purchase IDs
	KillswitchFlipped bool
	Notice            *AutoTopUpNotice // Notice set by the mutation
	NoticeCleared     bool
}

// DiffLedger returns the change that turned before into after. Both must
// be in the same period.
func DiffLedger(before, after *LedgerAccount) LedgerChange {
	c := LedgerChange{
		Period:            after.LastResetPeriod,
		UsageDelta:        after.UsedTokens - before.UsedTokens,
		KillswitchFlipped: before.KillswitchEnabled != after.KillswitchEnabled,
	}

	// after lists the newest first; Added keeps creation order
	for i := len(after.Purchases) - 1; i >= 0; i-- {
		if before.purchaseIndex(after.Purchases[i].PurchaseID) < 0 {
			c.Added = append(c.Added, after.Purchases[i])
		}
	}
	for _, p := range before.Purchases {
		if after.purchaseIndex(p.PurchaseID) < 0 {
			c.Removed = append(c.Removed, p.PurchaseID)
		}
	}

	switch {
	case after.PendingAutoTopUpNotice == nil:
		c.NoticeCleared = before.PendingAutoTopUpNotice != nil
	case before.PendingAutoTopUpNotice == nil || *before.PendingAutoTopUpNotice != *after.PendingAutoTopUpNotice:
		n := *after.PendingAutoTopUpNotice
		c.Notice = &n
	}
	return c
}

// IsZero reports whether the change has no effect
func (c LedgerChange) IsZero() bool {
	return c.UsageDelta == 0 && len(c.Added) == 0 && len(c.Removed) == 0 &&
		!c.KillswitchFlipped && c.Notice == nil && !c.NoticeCleared
}

// Merge re-applies c to the account without emitting events.
//
// A change from a period the account has already closed is folded into the
// rollover pool: its purchases arrive settled and add their tokens to the
// pool, its usage takes tokens out of it. Purchases already present are
// skipped so merging the same change twice adds nothing twice.
func (a *LedgerAccount) Merge(c LedgerChange) {
	closed := c.Period < a.LastResetPeriod

	for _, id := range c.Removed {
		a.removePurchase(id)
	}

	added := make([]Purchase, 0, len(c.Added))
	var settledTokens int64
	for _, p := range c.Added {
		if a.purchaseIndex(p.PurchaseID) >= 0 {
			continue
		}
		if closed && !p.IsSettled() {
			p.SettledPeriod = a.LastResetPeriod
			settledTokens += p.TokenCount
		}
		added = append(added, p)
	}
	a.addPurchases(added...)

	if closed {
		a.RolloverTokens = max(a.RolloverTokens+settledTokens-c.UsageDelta, 0)
	} else {
		a.UsedTokens = min(a.UsedTokens+c.UsageDelta, MaxUsedTokens)
	}

	if c.KillswitchFlipped {
		a.KillswitchEnabled = !a.KillswitchEnabled
	}
	if c.NoticeCleared {
		a.PendingAutoTopUpNotice = nil
	}
	if c.Notice != nil {
		n := *c.Notice
		a.PendingAutoTopUpNotice = &n
	}
}
