package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/erp/tokenledger/internal/infrastructure/persistence/models"
	"github.com/erp/tokenledger/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const purchaseBatchSize = 100

// GormLedgerStore implements billing.LedgerStore using GORM
type GormLedgerStore struct {
	db *gorm.DB
}

// NewGormLedgerStore creates a new GORM ledger store
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

// Load returns the tenant's account with its purchases in domain order
func (s *GormLedgerStore) Load(ctx context.Context, tenantID uuid.UUID) (*billing.LedgerAccount, error) {
	var model models.LedgerAccountModel
	err := s.db.WithContext(ctx).
		Preload("Purchases", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Scopes(tenant.Scope(tenantID)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound.WithMessage("Ledger account not found")
		}
		return nil, fmt.Errorf("load ledger account: %w", err)
	}
	return model.ToDomain(), nil
}

// Save writes the account and replaces its purchase rows in one transaction.
// The stored row must still be at the version the account was loaded with.
func (s *GormLedgerStore) Save(ctx context.Context, account *billing.LedgerAccount) error {
	model := models.NewLedgerAccountModel(account)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored models.AggregateModel
		err := tx.Model(&models.LedgerAccountModel{}).
			Select("id", "version").
			Scopes(tenant.Scope(account.TenantID)).
			Take(&stored).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Omit(clause.Associations).Create(model).Error; err != nil {
				return fmt.Errorf("create ledger account: %w", err)
			}
		case err != nil:
			return fmt.Errorf("read ledger account version: %w", err)
		default:
			if err := checkStoredVersion(account, stored.ID, stored.Version); err != nil {
				return err
			}
			result := tx.Model(&models.LedgerAccountModel{}).
				Where("id = ? AND version = ?", stored.ID, stored.Version).
				Updates(map[string]any{
					"version":             model.Version,
					"updated_at":          model.UpdatedAt,
					"base_plan_allowance": model.BasePlanAllowance,
					"used_tokens":         model.UsedTokens,
					"rollover_tokens":     model.RolloverTokens,
					"killswitch_enabled":  model.KillswitchEnabled,
					"last_reset_period":   model.LastResetPeriod,
					"cap_acknowledged":    model.CapAcknowledged,
					"notice_packs":        model.NoticePacks,
					"notice_tokens":       model.NoticeTokens,
					"notice_charge":       model.NoticeCharge,
					"notice_occurred_at":  model.NoticeOccurredAt,
				})
			if result.Error != nil {
				return fmt.Errorf("update ledger account: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return shared.ErrConcurrencyConflict
			}
			if err := tx.Where("account_id = ?", stored.ID).Delete(&models.LedgerPurchaseModel{}).Error; err != nil {
				return fmt.Errorf("clear ledger purchases: %w", err)
			}
		}

		if len(model.Purchases) > 0 {
			if err := tx.CreateInBatches(model.Purchases, purchaseBatchSize).Error; err != nil {
				return fmt.Errorf("write ledger purchases: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	account.MarkStored()
	return nil
}

// checkStoredVersion rejects a save built on anything but the stored row
func checkStoredVersion(account *billing.LedgerAccount, storedID uuid.UUID, storedVersion int) error {
	if storedID != account.ID {
		return shared.ErrConcurrencyConflict.WithMessage("Another ledger account is stored for this tenant")
	}
	if storedVersion != account.StoredVersion() || account.Version <= storedVersion {
		return shared.ErrConcurrencyConflict.WithMessage(
			fmt.Sprintf("Ledger account was loaded at version %d but version %d is stored", account.StoredVersion(), storedVersion))
	}
	return nil
}

// ListTenantIDs returns every tenant with a stored account
func (s *GormLedgerStore) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.LedgerAccountModel{}).
		Order(tenant.Column).
		Pluck(tenant.Column, &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger tenants: %w", err)
	}
	return ids, nil
}

// AutoMigrate creates or updates the ledger tables from the models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LedgerAccountModel{},
		&models.LedgerPurchaseModel{},
		&models.LedgerEventModel{},
	)
}

// Ensure GormLedgerStore implements billing.LedgerStore
var _ billing.LedgerStore = (*GormLedgerStore)(nil)
