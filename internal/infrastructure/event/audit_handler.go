package event

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"go.uber.org/zap"
)

const defaultAuditTimeout = 3 * time.Second

// LedgerAuditHandler writes every ledger event to the audit trail and the
// log. Warning events are logged at warn level.
type LedgerAuditHandler struct {
	repo    billing.LedgerEventRepository
	logger  *zap.Logger
	timeout time.Duration
}

// NewLedgerAuditHandler creates the handler. A nil repo only logs.
func NewLedgerAuditHandler(repo billing.LedgerEventRepository, logger *zap.Logger, timeout time.Duration) *LedgerAuditHandler {
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	return &LedgerAuditHandler{
		repo:    repo,
		logger:  logger.Named("ledger.audit"),
		timeout: timeout,
	}
}

// Handle records a ledger event; other events are ignored
func (h *LedgerAuditHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	le, ok := event.(*billing.LedgerEvent)
	if !ok {
		return nil
	}

	fields := []zap.Field{
		zap.String("tenant_id", le.TenantID().String()),
		zap.String("event_id", le.EventID().String()),
		zap.String("aggregate", le.AggregateType()+"/"+le.AggregateID().String()),
		zap.String("action", string(le.Action)),
		zap.String("summary", le.Summary),
		zap.Any("meta", le.Meta),
	}
	if le.Severity == billing.SeverityWarning {
		h.logger.Warn("Ledger event", fields...)
	} else {
		h.logger.Info("Ledger event", fields...)
	}

	if h.repo == nil {
		return nil
	}
	// The mutation is already committed; a slow audit store must not be
	// cancelled by the caller going away.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	if err := h.repo.Append(appendCtx, le); err != nil {
		return fmt.Errorf("append ledger event %s: %w", le.EventID(), err)
	}
	return nil
}

// EventTypes returns every ledger event type
func (h *LedgerAuditHandler) EventTypes() []string {
	return billing.AllEventTypes()
}

var _ shared.EventHandler = (*LedgerAuditHandler)(nil)
