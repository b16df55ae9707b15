package billing

import (
	"time"

	"github.com/erp/tokenledger/internal/domain/shared"
)

// EventCategoryTokens is the category attached to every ledger event
const EventCategoryTokens = "tokens"

// AggregateTypeLedgerAccount is the aggregate type for ledger events
const AggregateTypeLedgerAccount = "LedgerAccount"

// LedgerAction identifies what happened to the ledger
type LedgerAction string

const (
	ActionPurchaseAddon         LedgerAction = "purchase_addon"
	ActionRefundAddon           LedgerAction = "refund_addon"
	ActionKillswitchEnabled     LedgerAction = "killswitch_enabled"
	ActionKillswitchDisabled    LedgerAction = "killswitch_disabled"
	ActionAutoTopUp             LedgerAction = "auto_top_up"
	ActionMonthlyReset          LedgerAction = "monthly_reset"
	ActionCapacityExhausted     LedgerAction = "capacity_exhausted"
	ActionAutoTopUpAcknowledged LedgerAction = "auto_top_up_acknowledged"
	ActionAllowanceChanged      LedgerAction = "allowance_changed"
)

// AllActions lists every action a ledger can emit
func AllActions() []LedgerAction {
	return []LedgerAction{
		ActionPurchaseAddon,
		ActionRefundAddon,
		ActionKillswitchEnabled,
		ActionKillswitchDisabled,
		ActionAutoTopUp,
		ActionMonthlyReset,
		ActionCapacityExhausted,
		ActionAutoTopUpAcknowledged,
		ActionAllowanceChanged,
	}
}

// EventType returns the event bus type for the action, e.g. "tokens.auto_top_up"
func (a LedgerAction) EventType() string {
	return EventCategoryTokens + "." + string(a)
}

// AllEventTypes returns the event bus types of every ledger action
func AllEventTypes() []string {
	actions := AllActions()
	types := make([]string, 0, len(actions))
	for _, a := range actions {
		types = append(types, a.EventType())
	}
	return types
}

// Severity of a ledger event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// LedgerEvent is the notification sent to the event sink for every
// state-changing ledger decision.
type LedgerEvent struct {
	shared.BaseDomainEvent
	Category string         `json:"category"`
	Action   LedgerAction   `json:"action"`
	Summary  string         `json:"summary"`
	Severity Severity       `json:"severity"`
	Meta     map[string]any `json:"meta"`
}

// NewLedgerEvent creates an event for the given account
func NewLedgerEvent(account *LedgerAccount, action LedgerAction, severity Severity, summary string, meta map[string]any, occurredAt time.Time) *LedgerEvent {
	if meta == nil {
		meta = map[string]any{}
	}
	return &LedgerEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(
			action.EventType(),
			AggregateTypeLedgerAccount,
			account.ID,
			account.TenantID,
			occurredAt,
		),
		Category: EventCategoryTokens,
		Action:   action,
		Summary:  summary,
		Severity: severity,
		Meta:     meta,
	}
}

// AutoTopUpNotice summarises the most recent automatic replenishment until
// the tenant acknowledges it.
type AutoTopUpNotice struct {
	PacksApplied int
	TokensAdded  int64
	TotalCharge  int64 // Minor units
	OccurredAt   time.Time
}
