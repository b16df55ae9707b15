package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	storeNow   = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	smallPack  = billing.AddOnDefinition{ID: "small", Name: "Small", TokenCount: 100, PriceMinorUnits: 500}
	mediumPack = billing.AddOnDefinition{ID: "medium", Name: "Medium", TokenCount: 1000, PriceMinorUnits: 4000}
)

// newStoredAccount builds an account ready for its first save
func newStoredAccount(t *testing.T, tenantID uuid.UUID) *billing.LedgerAccount {
	t.Helper()
	account, err := billing.NewLedgerAccount(tenantID, 1000, "2025-03", storeNow)
	require.NoError(t, err)
	account.IncrementVersion(storeNow)
	return account
}

// ledgerStores runs the same behaviour against every store implementation
func ledgerStores(t *testing.T) map[string]billing.LedgerStore {
	return map[string]billing.LedgerStore{
		"gorm":   NewGormLedgerStore(newSQLiteDB(t)),
		"memory": NewMemoryLedgerStore(),
	}
}

func TestLedgerStore_Load(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name+" unknown tenant is not found", func(t *testing.T) {
			_, err := store.Load(context.Background(), uuid.New())
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrNotFound))
		})
	}
}

func TestLedgerStore_SaveAndLoad(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := uuid.New()
			account := newStoredAccount(t, tenantID)
			require.NoError(t, account.RecordUsage(250))
			first := account.PurchaseAddon(smallPack, storeNow)
			second := account.PurchaseAddon(mediumPack, storeNow.Add(time.Minute))
			account.Purchases[1].SettledPeriod = "2025-03"
			account.RolloverTokens = 40
			account.KillswitchEnabled = true
			account.PendingAutoTopUpNotice = &billing.AutoTopUpNotice{
				PacksApplied: 2,
				TokensAdded:  200,
				TotalCharge:  1000,
				OccurredAt:   storeNow,
			}

			require.NoError(t, store.Save(ctx, account))

			loaded, err := store.Load(ctx, tenantID)
			require.NoError(t, err)

			assert.Equal(t, account.ID, loaded.ID)
			assert.Equal(t, account.Version, loaded.Version)
			assert.Equal(t, tenantID, loaded.TenantID)
			assert.Equal(t, int64(1000), loaded.BasePlanAllowance)
			assert.Equal(t, int64(250), loaded.UsedTokens)
			assert.Equal(t, int64(40), loaded.RolloverTokens)
			assert.True(t, loaded.KillswitchEnabled)
			assert.Equal(t, "2025-03", loaded.LastResetPeriod)

			require.Len(t, loaded.Purchases, 2)
			assert.Equal(t, second.PurchaseID, loaded.Purchases[0].PurchaseID, "most recent purchase stays first")
			assert.Equal(t, first.PurchaseID, loaded.Purchases[1].PurchaseID)
			assert.Equal(t, "2025-03", loaded.Purchases[1].SettledPeriod)
			assert.Equal(t, int64(1000), loaded.Purchases[0].TokenCount)
			assert.Equal(t, int64(4000), loaded.Purchases[0].PriceMinorUnits)
			assert.True(t, loaded.Purchases[0].PurchasedAt.Equal(storeNow.Add(time.Minute)))

			require.NotNil(t, loaded.PendingAutoTopUpNotice)
			assert.Equal(t, 2, loaded.PendingAutoTopUpNotice.PacksApplied)
			assert.Equal(t, int64(200), loaded.PendingAutoTopUpNotice.TokensAdded)
			assert.Equal(t, int64(1000), loaded.PendingAutoTopUpNotice.TotalCharge)
			assert.True(t, loaded.PendingAutoTopUpNotice.OccurredAt.Equal(storeNow))

			assert.Equal(t, account.TotalCapacity(), loaded.TotalCapacity())
			assert.Empty(t, loaded.GetDomainEvents(), "loaded accounts carry no pending events")
		})
	}
}

func TestLedgerStore_SaveReplacesPurchases(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tenantID := uuid.New()
			account := newStoredAccount(t, tenantID)
			kept := account.PurchaseAddon(smallPack, storeNow)
			refunded := account.PurchaseAddon(mediumPack, storeNow)
			require.NoError(t, store.Save(ctx, account))

			_, ok := account.RefundPurchase(refunded.PurchaseID, storeNow)
			require.True(t, ok)
			account.PendingAutoTopUpNotice = nil
			account.IncrementVersion(storeNow)
			require.NoError(t, store.Save(ctx, account))

			loaded, err := store.Load(ctx, tenantID)
			require.NoError(t, err)
			require.Len(t, loaded.Purchases, 1)
			assert.Equal(t, kept.PurchaseID, loaded.Purchases[0].PurchaseID)
			assert.Nil(t, loaded.PendingAutoTopUpNotice)
			assert.Equal(t, 3, loaded.Version)
		})
	}
}

func TestLedgerStore_VersionConflict(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name+" stale version is rejected", func(t *testing.T) {
			ctx := context.Background()
			account := newStoredAccount(t, uuid.New())
			require.NoError(t, store.Save(ctx, account))

			stale := account.Clone()
			account.IncrementVersion(storeNow)
			require.NoError(t, account.RecordUsage(10))
			require.NoError(t, store.Save(ctx, account))

			stale.IncrementVersion(storeNow)
			err := store.Save(ctx, stale)
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrConcurrencyConflict))

			loaded, err := store.Load(ctx, account.TenantID)
			require.NoError(t, err)
			assert.Equal(t, int64(10), loaded.UsedTokens)
		})

		t.Run(name+" stale copy with a higher version is rejected", func(t *testing.T) {
			ctx := context.Background()
			account := newStoredAccount(t, uuid.New())
			require.NoError(t, store.Save(ctx, account))

			stale := account.Clone()
			for i := 0; i < 3; i++ {
				stale.IncrementVersion(storeNow)
			}
			require.NoError(t, stale.RecordUsage(100))

			account.IncrementVersion(storeNow)
			require.NoError(t, account.RecordUsage(5))
			require.NoError(t, store.Save(ctx, account))

			err := store.Save(ctx, stale)
			assert.True(t, errors.Is(err, shared.ErrConcurrencyConflict))

			loaded, err := store.Load(ctx, account.TenantID)
			require.NoError(t, err)
			assert.Equal(t, int64(5), loaded.UsedTokens)
			assert.Equal(t, account.Version, loaded.StoredVersion())
		})

		t.Run(name+" second account for a tenant is rejected", func(t *testing.T) {
			ctx := context.Background()
			tenantID := uuid.New()
			require.NoError(t, store.Save(ctx, newStoredAccount(t, tenantID)))

			other := newStoredAccount(t, tenantID)
			other.IncrementVersion(storeNow)
			err := store.Save(ctx, other)
			assert.True(t, errors.Is(err, shared.ErrConcurrencyConflict))
		})
	}
}

func TestLedgerStore_ListTenantIDs(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ids, err := store.ListTenantIDs(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)

			a, b := uuid.New(), uuid.New()
			require.NoError(t, store.Save(ctx, newStoredAccount(t, a)))
			require.NoError(t, store.Save(ctx, newStoredAccount(t, b)))

			ids, err = store.ListTenantIDs(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
		})
	}
}

func TestMemoryLedgerStore_IsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	account := newStoredAccount(t, uuid.New())
	require.NoError(t, store.Save(ctx, account))

	require.NoError(t, account.RecordUsage(500))

	loaded, err := store.Load(ctx, account.TenantID)
	require.NoError(t, err)
	assert.Zero(t, loaded.UsedTokens, "mutating the saved account must not leak into the store")

	loaded.UsedTokens = 999
	again, err := store.Load(ctx, account.TenantID)
	require.NoError(t, err)
	assert.Zero(t, again.UsedTokens)
}

func TestMemoryLedgerStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryLedgerStore()
	err := store.Save(ctx, newStoredAccount(t, uuid.New()))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.Load(ctx, uuid.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGormLedgerStore_DriverFailures(t *testing.T) {
	t.Run("load failure is not reported as not found", func(t *testing.T) {
		db, mock := newMockDatabase(t)
		store := NewGormLedgerStore(db.DB)

		mock.ExpectQuery(`SELECT .* FROM "ledger_accounts"`).
			WillReturnError(errors.New("connection reset by peer"))

		_, err := store.Load(context.Background(), uuid.New())
		require.Error(t, err)
		assert.False(t, errors.Is(err, shared.ErrNotFound))
		assert.Contains(t, err.Error(), "connection reset by peer")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("save rolls back when the version read fails", func(t *testing.T) {
		db, mock := newMockDatabase(t)
		store := NewGormLedgerStore(db.DB)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM "ledger_accounts"`).
			WillReturnError(errors.New("deadline exceeded"))
		mock.ExpectRollback()

		err := store.Save(context.Background(), newStoredAccount(t, uuid.New()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read ledger account version")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list failure is wrapped", func(t *testing.T) {
		db, mock := newMockDatabase(t)
		store := NewGormLedgerStore(db.DB)

		mock.ExpectQuery(`SELECT .*tenant_id.* FROM "ledger_accounts"`).
			WillReturnError(errors.New("too many connections"))

		_, err := store.ListTenantIDs(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "list ledger tenants")
	})
}
