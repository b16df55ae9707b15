package billing

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

func newTestAccount(t *testing.T, allowance int64) *LedgerAccount {
	t.Helper()
	account, err := NewLedgerAccount(uuid.New(), allowance, "2025-01", testNow)
	require.NoError(t, err)
	return account
}

func ledgerEvents(t *testing.T, account *LedgerAccount) []*LedgerEvent {
	t.Helper()
	events := make([]*LedgerEvent, 0)
	for _, e := range account.GetDomainEvents() {
		le, ok := e.(*LedgerEvent)
		require.True(t, ok, "unexpected event type %T", e)
		events = append(events, le)
	}
	return events
}

func assertCapacityInvariant(t *testing.T, account *LedgerAccount) {
	t.Helper()
	expected := account.BasePlanAllowance + account.RolloverTokens
	for _, p := range account.Purchases {
		if !p.IsSettled() {
			expected += p.TokenCount
		}
	}
	assert.Equal(t, expected, account.TotalCapacity())
	assert.GreaterOrEqual(t, account.Remaining(), int64(0))
	assert.Equal(t, max(account.TotalCapacity()-account.UsedTokens, 0), account.Remaining())
}

func TestNewLedgerAccount(t *testing.T) {
	t.Run("creates account with zero usage", func(t *testing.T) {
		tenantID := uuid.New()
		account, err := NewLedgerAccount(tenantID, 1000, "2025-01", testNow)

		require.NoError(t, err)
		assert.Equal(t, tenantID, account.TenantID)
		assert.Equal(t, int64(1000), account.BasePlanAllowance)
		assert.Equal(t, int64(0), account.UsedTokens)
		assert.Equal(t, int64(1000), account.TotalCapacity())
		assert.Equal(t, int64(1000), account.Remaining())
		assert.Equal(t, "2025-01", account.LastResetPeriod)
		assert.Equal(t, 1, account.Version)
		assert.Empty(t, account.Purchases)
		assert.Empty(t, account.GetDomainEvents())
	})

	t.Run("fails with nil tenant", func(t *testing.T) {
		_, err := NewLedgerAccount(uuid.Nil, 1000, "2025-01", testNow)
		assert.ErrorIs(t, err, ErrInvalidTenant)
	})

	t.Run("fails with negative allowance", func(t *testing.T) {
		_, err := NewLedgerAccount(uuid.New(), -1, "2025-01", testNow)
		assert.ErrorIs(t, err, ErrInvalidAllowance)
	})

	t.Run("fails with empty period", func(t *testing.T) {
		_, err := NewLedgerAccount(uuid.New(), 10, "", testNow)
		assert.Error(t, err)
	})
}

func TestLedgerAccount_RecordUsage(t *testing.T) {
	t.Run("usage beyond capacity is still recorded", func(t *testing.T) {
		account := newTestAccount(t, 100)

		require.NoError(t, account.RecordUsage(150))

		assert.Equal(t, int64(150), account.UsedTokens)
		assert.Equal(t, int64(0), account.Remaining())
		assertCapacityInvariant(t, account)
	})

	t.Run("usage never decreases", func(t *testing.T) {
		account := newTestAccount(t, 100)
		deltas := []int64{5, 0, 17, 1, 250, 0, 3}

		previous := account.UsedTokens
		for _, d := range deltas {
			require.NoError(t, account.RecordUsage(d))
			assert.GreaterOrEqual(t, account.UsedTokens, previous)
			previous = account.UsedTokens
		}
		assert.Equal(t, int64(276), account.UsedTokens)
	})

	t.Run("rejects negative delta", func(t *testing.T) {
		account := newTestAccount(t, 100)
		require.NoError(t, account.RecordUsage(10))

		err := account.RecordUsage(-5)

		assert.ErrorIs(t, err, ErrInvalidUsageDelta)
		assert.Equal(t, int64(10), account.UsedTokens)
	})

	t.Run("rejects deltas that would pass the usage ceiling", func(t *testing.T) {
		tests := []struct {
			name  string
			used  int64
			delta int64
			ok    bool
		}{
			{"max int64 after some usage", 10, math.MaxInt64, false},
			{"max int64 on a fresh ledger", 0, math.MaxInt64, false},
			{"one past the ceiling", 0, MaxUsedTokens + 1, false},
			{"exactly up to the ceiling", 10, MaxUsedTokens - 10, true},
			{"zero at the ceiling", MaxUsedTokens, 0, true},
			{"one more at the ceiling", MaxUsedTokens, 1, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				account := newTestAccount(t, 100)
				account.UsedTokens = tt.used

				err := account.RecordUsage(tt.delta)

				if tt.ok {
					require.NoError(t, err)
					assert.Equal(t, tt.used+tt.delta, account.UsedTokens)
					return
				}
				assert.ErrorIs(t, err, ErrInvalidUsageDelta)
				assert.Equal(t, tt.used, account.UsedTokens)
				assert.GreaterOrEqual(t, account.UsedTokens, int64(0))
			})
		}
	})
}

func TestLedgerAccount_PurchaseAddon(t *testing.T) {
	catalog := testCatalog(t, 25)

	t.Run("adds capacity and emits purchase_addon", func(t *testing.T) {
		account := newTestAccount(t, 100)
		account.CapAcknowledged = true
		def, err := catalog.Lookup("large")
		require.NoError(t, err)

		purchase := account.PurchaseAddon(def, testNow)

		assert.Equal(t, int64(50_100), account.TotalCapacity())
		assert.False(t, account.CapAcknowledged)
		assert.False(t, purchase.IsAutoReplenishment)
		assert.Equal(t, "large", purchase.AddonID)
		assert.Equal(t, int64(4_000), purchase.PriceMinorUnits)
		assert.Contains(t, purchase.PurchaseID, PurchaseIDPrefix+"_")
		assertCapacityInvariant(t, account)

		events := ledgerEvents(t, account)
		require.Len(t, events, 1)
		assert.Equal(t, ActionPurchaseAddon, events[0].Action)
		assert.Equal(t, EventCategoryTokens, events[0].Category)
		assert.Equal(t, SeverityInfo, events[0].Severity)
		assert.Equal(t, purchase.PurchaseID, events[0].Meta["purchase_id"])
		assert.Equal(t, account.TenantID, events[0].TenantID())
	})

	t.Run("repeated purchases are additive and most recent first", func(t *testing.T) {
		account := newTestAccount(t, 0)
		def, _ := catalog.Lookup("small")

		first := account.PurchaseAddon(def, testNow)
		second := account.PurchaseAddon(def, testNow.Add(time.Minute))

		require.Len(t, account.Purchases, 2)
		assert.Equal(t, second.PurchaseID, account.Purchases[0].PurchaseID)
		assert.Equal(t, first.PurchaseID, account.Purchases[1].PurchaseID)
		assert.Equal(t, int64(20), account.TotalCapacity())
	})
}

func TestLedgerAccount_RefundPurchase(t *testing.T) {
	catalog := testCatalog(t, 25)

	t.Run("refund restores capacity and keeps usage", func(t *testing.T) {
		account := newTestAccount(t, 1000)
		require.NoError(t, account.RecordUsage(300))
		before := account.TotalCapacity()
		def, _ := catalog.Lookup("large")
		purchase := account.PurchaseAddon(def, testNow)
		account.ClearDomainEvents()

		refunded, ok := account.RefundPurchase(purchase.PurchaseID, testNow)

		require.True(t, ok)
		assert.Equal(t, purchase.PurchaseID, refunded.PurchaseID)
		assert.Equal(t, before, account.TotalCapacity())
		assert.Equal(t, int64(300), account.UsedTokens)
		assert.Empty(t, account.Purchases)

		events := ledgerEvents(t, account)
		require.Len(t, events, 1)
		assert.Equal(t, ActionRefundAddon, events[0].Action)
	})

	t.Run("refund of unknown purchase is a silent no-op", func(t *testing.T) {
		account := newTestAccount(t, 1000)

		_, ok := account.RefundPurchase("pur_missing", testNow)

		assert.False(t, ok)
		assert.Empty(t, account.GetDomainEvents())
	})

	t.Run("second refund of the same purchase is a no-op", func(t *testing.T) {
		account := newTestAccount(t, 1000)
		def, _ := catalog.Lookup("small")
		purchase := account.PurchaseAddon(def, testNow)

		_, first := account.RefundPurchase(purchase.PurchaseID, testNow)
		_, second := account.RefundPurchase(purchase.PurchaseID, testNow)

		assert.True(t, first)
		assert.False(t, second)
	})

	t.Run("refund keeps other purchases in order", func(t *testing.T) {
		account := newTestAccount(t, 0)
		def, _ := catalog.Lookup("small")
		p1 := account.PurchaseAddon(def, testNow)
		p2 := account.PurchaseAddon(def, testNow)
		p3 := account.PurchaseAddon(def, testNow)

		_, ok := account.RefundPurchase(p2.PurchaseID, testNow)

		require.True(t, ok)
		require.Len(t, account.Purchases, 2)
		assert.Equal(t, p3.PurchaseID, account.Purchases[0].PurchaseID)
		assert.Equal(t, p1.PurchaseID, account.Purchases[1].PurchaseID)
	})
}

func TestLedgerAccount_ToggleKillswitch(t *testing.T) {
	account := newTestAccount(t, 100)

	assert.True(t, account.ToggleKillswitch(testNow))
	assert.False(t, account.ToggleKillswitch(testNow))

	events := ledgerEvents(t, account)
	require.Len(t, events, 2)
	assert.Equal(t, ActionKillswitchEnabled, events[0].Action)
	assert.Equal(t, ActionKillswitchDisabled, events[1].Action)
}

func TestLedgerAccount_KillswitchTriggered(t *testing.T) {
	account := newTestAccount(t, 100)
	require.NoError(t, account.RecordUsage(100))

	assert.False(t, account.KillswitchTriggered(), "disabled kill switch never triggers")

	account.ToggleKillswitch(testNow)
	assert.True(t, account.KillswitchTriggered())
}

func TestLedgerAccount_SetBasePlanAllowance(t *testing.T) {
	t.Run("emits allowance_changed on change", func(t *testing.T) {
		account := newTestAccount(t, 100)

		changed, err := account.SetBasePlanAllowance(500, testNow)

		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int64(500), account.TotalCapacity())
		events := ledgerEvents(t, account)
		require.Len(t, events, 1)
		assert.Equal(t, ActionAllowanceChanged, events[0].Action)
		assert.Equal(t, int64(100), events[0].Meta["previous_allowance"])
	})

	t.Run("same value is a no-op", func(t *testing.T) {
		account := newTestAccount(t, 100)

		changed, err := account.SetBasePlanAllowance(100, testNow)

		require.NoError(t, err)
		assert.False(t, changed)
		assert.Empty(t, account.GetDomainEvents())
	})

	t.Run("rejects negative allowance", func(t *testing.T) {
		account := newTestAccount(t, 100)

		_, err := account.SetBasePlanAllowance(-1, testNow)

		assert.ErrorIs(t, err, ErrInvalidAllowance)
		assert.Equal(t, int64(100), account.BasePlanAllowance)
	})
}

func TestLedgerAccount_AcknowledgeAutoTopUp(t *testing.T) {
	account := newTestAccount(t, 100)
	assert.False(t, account.AcknowledgeAutoTopUp(testNow))

	account.PendingAutoTopUpNotice = &AutoTopUpNotice{PacksApplied: 2, TokensAdded: 50, TotalCharge: 500, OccurredAt: testNow}

	assert.True(t, account.AcknowledgeAutoTopUp(testNow))
	assert.Nil(t, account.PendingAutoTopUpNotice)
	events := ledgerEvents(t, account)
	require.Len(t, events, 1)
	assert.Equal(t, ActionAutoTopUpAcknowledged, events[0].Action)
}

func TestLedgerAccount_SnapshotAndClone(t *testing.T) {
	catalog := testCatalog(t, 25)
	account := newTestAccount(t, 100)
	def, _ := catalog.Lookup("small")
	account.PurchaseAddon(def, testNow)
	require.NoError(t, account.RecordUsage(40))
	account.PendingAutoTopUpNotice = &AutoTopUpNotice{PacksApplied: 1}

	t.Run("snapshot carries derived values and detached purchases", func(t *testing.T) {
		snap := account.Snapshot()

		assert.Equal(t, int64(40), snap.UsedTokens)
		assert.Equal(t, int64(110), snap.TotalCapacity)
		assert.Equal(t, int64(70), snap.Remaining)
		assert.False(t, snap.KillswitchTriggered)

		snap.Purchases[0].TokenCount = 999
		snap.PendingAutoTopUpNotice.PacksApplied = 42
		assert.Equal(t, int64(10), account.Purchases[0].TokenCount)
		assert.Equal(t, 1, account.PendingAutoTopUpNotice.PacksApplied)
	})

	t.Run("clone is deep and has no pending events", func(t *testing.T) {
		clone := account.Clone()

		assert.Empty(t, clone.GetDomainEvents())
		assert.NotEmpty(t, account.GetDomainEvents())
		clone.Purchases[0].TokenCount = 1
		assert.Equal(t, int64(10), account.Purchases[0].TokenCount)
		assert.Equal(t, account.TotalCapacity(), account.Snapshot().TotalCapacity)
	})
}
