// Package billing provides the domain model for per-tenant token metering.
//
// A tenant's LedgerAccount combines three credit sources into one capacity:
//   - the plan's base allowance for the current period
//   - rollover tokens carried from the previous period
//   - purchased add-on packs (manual or automatic)
//
// Capacity, remaining tokens and the kill switch state are always derived
// from those sources and never stored.
//
// Key types:
//   - LedgerAccount: the aggregate root, one per tenant
//   - Catalog: the read-only list of purchasable packs
//   - ReplenishmentPolicy: blocks or auto-purchases when capacity runs out
//   - Rollover: folds unused capacity into the next period
//
// Every state change is recorded as a LedgerEvent on the aggregate and
// published by the application layer after the account has been saved.
package billing
