package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/google/uuid"
)

// MemoryLedgerStore keeps accounts in process memory. Accounts are cloned
// on the way in and out so callers never share state with the store.
type MemoryLedgerStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*billing.LedgerAccount
}

// NewMemoryLedgerStore creates an empty in-memory store
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{accounts: make(map[uuid.UUID]*billing.LedgerAccount)}
}

// Load returns a copy of the tenant's account
func (s *MemoryLedgerStore) Load(ctx context.Context, tenantID uuid.UUID) (*billing.LedgerAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[tenantID]
	if !ok {
		return nil, shared.ErrNotFound.WithMessage("Ledger account not found")
	}
	return account.Clone(), nil
}

// Save stores a copy of the account if it was built on the stored one
func (s *MemoryLedgerStore) Save(ctx context.Context, account *billing.LedgerAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.accounts[account.TenantID]; ok {
		if err := checkStoredVersion(account, stored.ID, stored.Version); err != nil {
			return err
		}
	}
	account.MarkStored()
	s.accounts[account.TenantID] = account.Clone()
	return nil
}

// ListTenantIDs returns every stored tenant, sorted
func (s *MemoryLedgerStore) ListTenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	return ids, nil
}

var _ billing.LedgerStore = (*MemoryLedgerStore)(nil)
