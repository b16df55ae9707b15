// Package models contains the GORM persistence models of the ledger tables.
// Domain types carry no ORM tags; mappers in this package convert between
// the two.
package models

import (
	"time"

	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/google/uuid"
)

// AggregateModel provides the identity, timestamps and optimistic-locking
// version shared by aggregate root tables.
type AggregateModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	Version   int       `gorm:"not null"`
}

// FromDomainAggregateRoot populates AggregateModel from a domain aggregate root
func (m *AggregateModel) FromDomainAggregateRoot(a shared.BaseAggregateRoot) {
	m.ID = a.ID
	m.CreatedAt = a.CreatedAt
	m.UpdatedAt = a.UpdatedAt
	m.Version = a.Version
}

// ToDomainAggregateRoot rebuilds the domain aggregate root fields. The
// result is marked as matching the stored row.
func (m *AggregateModel) ToDomainAggregateRoot() shared.BaseAggregateRoot {
	root := shared.BaseAggregateRoot{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Version:   m.Version,
	}
	root.MarkStored()
	return root
}
