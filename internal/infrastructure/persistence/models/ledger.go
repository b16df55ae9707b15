package models

import (
	"encoding/json"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerAccountModel is the persistence model for the LedgerAccount aggregate
type LedgerAccountModel struct {
	AggregateModel
	TenantID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	BasePlanAllowance int64     `gorm:"not null"`
	UsedTokens        int64     `gorm:"not null"`
	RolloverTokens    int64     `gorm:"not null"`
	KillswitchEnabled bool      `gorm:"not null"`
	LastResetPeriod   string    `gorm:"type:varchar(7);not null"`
	CapAcknowledged   bool      `gorm:"not null"`
	// Pending auto top-up notice, all nil when there is none
	NoticePacks      *int
	NoticeTokens     *int64
	NoticeCharge     *int64
	NoticeOccurredAt *time.Time

	Purchases []LedgerPurchaseModel `gorm:"foreignKey:AccountID;references:ID"`
}

// TableName returns the table name for GORM
func (LedgerAccountModel) TableName() string {
	return "ledger_accounts"
}

// LedgerPurchaseModel is one purchase line item. Position keeps the
// domain order (0 is the most recent).
type LedgerPurchaseModel struct {
	PurchaseID          string    `gorm:"column:purchase_id;type:varchar(64);primaryKey"`
	AccountID           uuid.UUID `gorm:"type:uuid;not null;index"`
	TenantID            uuid.UUID `gorm:"type:uuid;not null;index"`
	Position            int       `gorm:"not null"`
	AddonID             string    `gorm:"column:addon_id;type:varchar(100);not null"`
	TokenCount          int64     `gorm:"not null"`
	PriceMinorUnits     int64     `gorm:"not null"`
	PurchasedAt         time.Time `gorm:"not null"`
	IsAutoReplenishment bool      `gorm:"not null"`
	SettledPeriod       string    `gorm:"type:varchar(7);not null"`
}

// TableName returns the table name for GORM
func (LedgerPurchaseModel) TableName() string {
	return "ledger_purchases"
}

// LedgerEventModel is an audit trail row. Seq orders rows appended in the
// same instant.
type LedgerEventModel struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index"`
	AccountID  uuid.UUID `gorm:"type:uuid;not null"`
	EventType  string    `gorm:"type:varchar(100);not null"`
	Category   string    `gorm:"type:varchar(50);not null"`
	Action     string    `gorm:"type:varchar(50);not null"`
	Severity   string    `gorm:"type:varchar(20);not null"`
	Summary    string    `gorm:"type:text;not null"`
	MetaJSON   string    `gorm:"column:meta;type:text;not null"`
	OccurredAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (LedgerEventModel) TableName() string {
	return "ledger_events"
}

// NewLedgerAccountModel maps a domain account, purchases included
func NewLedgerAccountModel(a *billing.LedgerAccount) *LedgerAccountModel {
	m := &LedgerAccountModel{
		TenantID:          a.TenantID,
		BasePlanAllowance: a.BasePlanAllowance,
		UsedTokens:        a.UsedTokens,
		RolloverTokens:    a.RolloverTokens,
		KillswitchEnabled: a.KillswitchEnabled,
		LastResetPeriod:   a.LastResetPeriod,
		CapAcknowledged:   a.CapAcknowledged,
		Purchases:         make([]LedgerPurchaseModel, 0, len(a.Purchases)),
	}
	m.FromDomainAggregateRoot(a.BaseAggregateRoot)

	if n := a.PendingAutoTopUpNotice; n != nil {
		packs, tokens, charge, at := n.PacksApplied, n.TokensAdded, n.TotalCharge, n.OccurredAt
		m.NoticePacks = &packs
		m.NoticeTokens = &tokens
		m.NoticeCharge = &charge
		m.NoticeOccurredAt = &at
	}

	for i, p := range a.Purchases {
		m.Purchases = append(m.Purchases, LedgerPurchaseModel{
			PurchaseID:          p.PurchaseID,
			AccountID:           a.ID,
			TenantID:            a.TenantID,
			Position:            i,
			AddonID:             p.AddonID,
			TokenCount:          p.TokenCount,
			PriceMinorUnits:     p.PriceMinorUnits,
			PurchasedAt:         p.PurchasedAt,
			IsAutoReplenishment: p.IsAutoReplenishment,
			SettledPeriod:       p.SettledPeriod,
		})
	}
	return m
}

// ToDomain converts the model to a domain account. Purchases are expected
// to be loaded in Position order.
func (m *LedgerAccountModel) ToDomain() *billing.LedgerAccount {
	a := &billing.LedgerAccount{
		BaseAggregateRoot: m.ToDomainAggregateRoot(),
		TenantID:          m.TenantID,
		BasePlanAllowance: m.BasePlanAllowance,
		UsedTokens:        m.UsedTokens,
		RolloverTokens:    m.RolloverTokens,
		KillswitchEnabled: m.KillswitchEnabled,
		LastResetPeriod:   m.LastResetPeriod,
		CapAcknowledged:   m.CapAcknowledged,
		Purchases:         make([]billing.Purchase, 0, len(m.Purchases)),
	}

	if m.NoticePacks != nil {
		notice := &billing.AutoTopUpNotice{PacksApplied: *m.NoticePacks}
		if m.NoticeTokens != nil {
			notice.TokensAdded = *m.NoticeTokens
		}
		if m.NoticeCharge != nil {
			notice.TotalCharge = *m.NoticeCharge
		}
		if m.NoticeOccurredAt != nil {
			notice.OccurredAt = *m.NoticeOccurredAt
		}
		a.PendingAutoTopUpNotice = notice
	}

	for _, p := range m.Purchases {
		a.Purchases = append(a.Purchases, billing.Purchase{
			PurchaseID:          p.PurchaseID,
			AddonID:             p.AddonID,
			TokenCount:          p.TokenCount,
			PriceMinorUnits:     p.PriceMinorUnits,
			PurchasedAt:         p.PurchasedAt,
			IsAutoReplenishment: p.IsAutoReplenishment,
			SettledPeriod:       p.SettledPeriod,
		})
	}
	return a
}

// NewLedgerEventModel maps a domain event for appending
func NewLedgerEventModel(e *billing.LedgerEvent) (*LedgerEventModel, error) {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return &LedgerEventModel{
		EventID:    e.EventID(),
		TenantID:   e.TenantID(),
		AccountID:  e.AggregateID(),
		EventType:  e.EventType(),
		Category:   e.Category,
		Action:     string(e.Action),
		Severity:   string(e.Severity),
		Summary:    e.Summary,
		MetaJSON:   string(raw),
		OccurredAt: e.OccurredAt(),
	}, nil
}

// ToDomain converts the row back to a domain event. Numeric meta values
// come back as float64.
func (m *LedgerEventModel) ToDomain() *billing.LedgerEvent {
	meta := map[string]any{}
	if m.MetaJSON != "" {
		if err := json.Unmarshal([]byte(m.MetaJSON), &meta); err != nil {
			zap.L().Named("ledger.models").Warn("failed to parse ledger event meta",
				zap.String("event_id", m.EventID.String()),
				zap.Error(err))
		}
	}
	return &billing.LedgerEvent{
		BaseDomainEvent: shared.BaseDomainEvent{
			ID:            m.EventID,
			Type:          m.EventType,
			Timestamp:     m.OccurredAt,
			AggID:         m.AccountID,
			AggType:       billing.AggregateTypeLedgerAccount,
			TenantIDValue: m.TenantID,
		},
		Category: m.Category,
		Action:   billing.LedgerAction(m.Action),
		Summary:  m.Summary,
		Severity: billing.Severity(m.Severity),
		Meta:     meta,
	}
}
