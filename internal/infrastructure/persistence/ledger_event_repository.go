package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/infrastructure/persistence/models"
	"github.com/erp/tokenledger/internal/infrastructure/persistence/tenant"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormLedgerEventRepository implements billing.LedgerEventRepository using GORM
type GormLedgerEventRepository struct {
	db *gorm.DB
}

// NewGormLedgerEventRepository creates a new GORM ledger event repository
func NewGormLedgerEventRepository(db *gorm.DB) *GormLedgerEventRepository {
	return &GormLedgerEventRepository{db: db}
}

// Append inserts the events in order
func (r *GormLedgerEventRepository) Append(ctx context.Context, events ...*billing.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]*models.LedgerEventModel, 0, len(events))
	for _, e := range events {
		row, err := models.NewLedgerEventModel(e)
		if err != nil {
			return fmt.Errorf("encode ledger event %s: %w", e.EventID(), err)
		}
		rows = append(rows, row)
	}
	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("append ledger events: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's most recent events, newest first. A
// non-positive limit returns everything.
func (r *GormLedgerEventRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.LedgerEvent, error) {
	query := r.db.WithContext(ctx).
		Scopes(tenant.Scope(tenantID)).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.LedgerEventModel
	err := query.Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger events: %w", err)
	}

	events := make([]*billing.LedgerEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].ToDomain())
	}
	return events, nil
}

// MemoryLedgerEventRepository keeps events in process memory
type MemoryLedgerEventRepository struct {
	mu       sync.RWMutex
	byTenant map[uuid.UUID][]*billing.LedgerEvent
}

// NewMemoryLedgerEventRepository creates an empty in-memory event repository
func NewMemoryLedgerEventRepository() *MemoryLedgerEventRepository {
	return &MemoryLedgerEventRepository{byTenant: make(map[uuid.UUID][]*billing.LedgerEvent)}
}

// Append stores events in the given order
func (r *MemoryLedgerEventRepository) Append(_ context.Context, events ...*billing.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		r.byTenant[e.TenantID()] = append(r.byTenant[e.TenantID()], e)
	}
	return nil
}

// ListByTenant returns up to limit events, newest first. A non-positive
// limit returns everything.
func (r *MemoryLedgerEventRepository) ListByTenant(_ context.Context, tenantID uuid.UUID, limit int) ([]*billing.LedgerEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.byTenant[tenantID]
	n := len(stored)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*billing.LedgerEvent, 0, n)
	for i := len(stored) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

var (
	_ billing.LedgerEventRepository = (*GormLedgerEventRepository)(nil)
	_ billing.LedgerEventRepository = (*MemoryLedgerEventRepository)(nil)
)
