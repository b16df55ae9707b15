package billing

import "github.com/erp/tokenledger/internal/domain/shared"

// Ledger errors
var (
	ErrUnknownAddon           = shared.NewDomainError("UNKNOWN_ADDON", "Add-on pack does not exist")
	ErrPersistenceUnavailable = shared.NewDomainError("PERSISTENCE_UNAVAILABLE", "Could not persist ledger changes, they may not survive a restart")
	ErrInvalidUsageDelta      = shared.NewDomainError("INVALID_INPUT", "Usage delta must not be negative")
	ErrInvalidAllowance       = shared.NewDomainError("INVALID_INPUT", "Base plan allowance must not be negative")
	ErrInvalidCatalog         = shared.NewDomainError("INVALID_CATALOG", "Add-on catalog is misconfigured")
	ErrInvalidTenant          = shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
)
