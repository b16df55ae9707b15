package billing

import (
	"context"

	"github.com/google/uuid"
)

// LedgerStore persists ledger accounts, one per tenant
type LedgerStore interface {
	// Load returns the tenant's account or shared.ErrNotFound
	Load(ctx context.Context, tenantID uuid.UUID) (*LedgerAccount, error)

	// Save writes the full account state, purchases included, and marks
	// the account stored. It fails with shared.ErrConcurrencyConflict when
	// the stored row is no longer at account.StoredVersion().
	Save(ctx context.Context, account *LedgerAccount) error

	// ListTenantIDs returns every tenant with a stored account
	ListTenantIDs(ctx context.Context) ([]uuid.UUID, error)
}

// LedgerEventRepository keeps the audit trail of ledger events
type LedgerEventRepository interface {
	// Append stores events in the given order
	Append(ctx context.Context, events ...*LedgerEvent) error

	// ListByTenant returns the tenant's most recent events, newest first
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]*LedgerEvent, error)
}
