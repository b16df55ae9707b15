package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Location returns the time zone of billing period boundaries.
// The name was checked by validate, so failures fall back to UTC.
func (l *LedgerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(l.PeriodTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TenantTierAssignments parses the tenant -> tier overrides
func (l *LedgerConfig) TenantTierAssignments() (map[uuid.UUID]string, error) {
	assignments := make(map[uuid.UUID]string, len(l.TenantTiers))
	for raw, tier := range l.TenantTiers {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("ledger.tenant_tiers: invalid tenant id %q: %w", raw, err)
		}
		if _, ok := l.Tiers[tier]; !ok {
			return nil, fmt.Errorf("ledger.tenant_tiers: tenant %s has unknown tier %q", tenantID, tier)
		}
		assignments[tenantID] = tier
	}
	return assignments, nil
}
