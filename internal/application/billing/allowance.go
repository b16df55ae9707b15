package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AllowanceProvider reports a tenant's base plan allowance for the current
// period. The ledger only consumes the number; tier logic lives elsewhere.
type AllowanceProvider interface {
	BaseAllowance(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// TierAllowanceProvider resolves allowances from a static tier table
type TierAllowanceProvider struct {
	mu          sync.RWMutex
	tiers       map[string]int64
	tenantTiers map[uuid.UUID]string
	defaultTier string
}

// NewTierAllowanceProvider creates a provider. Tenants without an explicit
// tier fall back to defaultTier, which must exist in tiers.
func NewTierAllowanceProvider(tiers map[string]int64, tenantTiers map[uuid.UUID]string, defaultTier string) (*TierAllowanceProvider, error) {
	if _, ok := tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", defaultTier)
	}
	for tier, allowance := range tiers {
		if allowance < 0 {
			return nil, fmt.Errorf("tier %q has a negative allowance", tier)
		}
	}
	for tenantID, tier := range tenantTiers {
		if _, ok := tiers[tier]; !ok {
			return nil, fmt.Errorf("tenant %s is assigned unknown tier %q", tenantID, tier)
		}
	}

	p := &TierAllowanceProvider{
		tiers:       make(map[string]int64, len(tiers)),
		tenantTiers: make(map[uuid.UUID]string, len(tenantTiers)),
		defaultTier: defaultTier,
	}
	for k, v := range tiers {
		p.tiers[k] = v
	}
	for k, v := range tenantTiers {
		p.tenantTiers[k] = v
	}
	return p, nil
}

// BaseAllowance returns the allowance of the tenant's tier
func (p *TierAllowanceProvider) BaseAllowance(_ context.Context, tenantID uuid.UUID) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tier, ok := p.tenantTiers[tenantID]
	if !ok {
		tier = p.defaultTier
	}
	return p.tiers[tier], nil
}

// AssignTier moves a tenant to another tier
func (p *TierAllowanceProvider) AssignTier(tenantID uuid.UUID, tier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tiers[tier]; !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	p.tenantTiers[tenantID] = tier
	return nil
}

// FixedAllowanceProvider gives every tenant the same allowance
type FixedAllowanceProvider int64

// BaseAllowance returns the fixed allowance
func (f FixedAllowanceProvider) BaseAllowance(context.Context, uuid.UUID) (int64, error) {
	return int64(f), nil
}
