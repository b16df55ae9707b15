// Package tenant scopes GORM queries to a single tenant.
//
// Every ledger table carries a tenant_id column. Repositories apply Scope
// instead of writing the condition by hand so a query can never run
// without one:
//
//	db.WithContext(ctx).Scopes(tenant.Scope(tenantID)).Find(&rows)
package tenant

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Column is the tenant column of every ledger table
const Column = "tenant_id"

// ErrTenantIDRequired is added to the query when the tenant is the nil UUID
var ErrTenantIDRequired = errors.New("tenant_id is required")

// Scope restricts a query to the rows of tenantID. A nil tenant fails the
// query instead of matching nothing.
func Scope(tenantID uuid.UUID) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if tenantID == uuid.Nil {
			_ = db.AddError(ErrTenantIDRequired)
			return db
		}
		return db.Where(Column+" = ?", tenantID)
	}
}
