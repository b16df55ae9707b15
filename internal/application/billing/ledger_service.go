package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/erp/tokenledger/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OperationResult is returned by every mutating ledger operation
type OperationResult struct {
	Snapshot billing.LedgerSnapshot
	// Applied is false when the operation found nothing to do, e.g. a
	// refund of a purchase that does not exist.
	Applied bool
	// Purchase is the purchase created or refunded by the operation
	Purchase *billing.Purchase
	// RolledOver is set when the touch started a new billing period
	RolledOver bool
	// Replenishment is the policy decision taken after the mutation
	Replenishment billing.ReplenishmentDecision
	// Warning is set when the change was applied but could not be saved.
	// It wraps billing.ErrPersistenceUnavailable; a retry is already scheduled.
	Warning error
}

// LedgerServiceConfig contains configuration for LedgerService
type LedgerServiceConfig struct {
	StoreTimeout         time.Duration  // Bound on a single load or save
	LockTimeout          time.Duration  // Bound on waiting for the tenant lock
	RetryInitialInterval time.Duration  // First delay before re-saving after a failure
	RetryMaxInterval     time.Duration  // Cap on the delay between attempts
	RetryMaxElapsedTime  time.Duration  // Give up after this long (0 = until shutdown)
	MaxUsageDelta        int64          // Largest usage accepted in one call (0 = domain limit only)
	Location             *time.Location // Time zone of billing period boundaries
}

// DefaultLedgerServiceConfig returns default configuration
func DefaultLedgerServiceConfig() LedgerServiceConfig {
	return LedgerServiceConfig{
		StoreTimeout:         3 * time.Second,
		LockTimeout:          10 * time.Second,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     30 * time.Second,
		RetryMaxElapsedTime:  0,
		MaxUsageDelta:        10_000_000,
		Location:             time.UTC,
	}
}

// LedgerServiceOption customises a LedgerService
type LedgerServiceOption func(*LedgerService)

// WithTenantLocker replaces the in-process tenant locker
func WithTenantLocker(locker TenantLocker) LedgerServiceOption {
	return func(s *LedgerService) { s.locker = locker }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) LedgerServiceOption {
	return func(s *LedgerService) { s.metrics = metrics }
}

// WithClock sets the time source
func WithClock(now func() time.Time) LedgerServiceOption {
	return func(s *LedgerService) { s.now = now }
}

// WithEventRepository enables the audit trail read model
func WithEventRepository(repo billing.LedgerEventRepository) LedgerServiceOption {
	return func(s *LedgerService) { s.eventRepo = repo }
}

// LedgerService applies ledger operations under a per-tenant lock.
//
// Each mutating call loads the account, runs the period rollover check,
// applies the change, runs the replenishment policy, saves and publishes
// the resulting events before the lock is released. Events for one tenant
// are therefore published in the order the mutations were applied.
type LedgerService struct {
	store      billing.LedgerStore
	eventRepo  billing.LedgerEventRepository
	catalog    *billing.Catalog
	policy     *billing.ReplenishmentPolicy
	allowances AllowanceProvider
	publisher  shared.EventPublisher
	locker     TenantLocker
	metrics    Metrics
	logger     *zap.Logger
	config     LedgerServiceConfig
	now        func() time.Time
	retrier    *saveRetrier
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(
	store billing.LedgerStore,
	catalog *billing.Catalog,
	allowances AllowanceProvider,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config LedgerServiceConfig,
	opts ...LedgerServiceOption,
) *LedgerService {
	if config.Location == nil {
		config.Location = time.UTC
	}
	s := &LedgerService{
		store:      store,
		catalog:    catalog,
		policy:     billing.NewReplenishmentPolicy(catalog),
		allowances: allowances,
		publisher:  publisher,
		locker:     NewLocalTenantLocker(),
		metrics:    nopMetrics{},
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retrier = newSaveRetrier(s.retrySave, config, s.metrics, logger)
	return s
}

// RecordUsage adds delta consumed tokens to the tenant's ledger.
// It never fails because capacity is exhausted; callers that must not
// overspend check KillswitchTriggered on a snapshot first.
func (s *LedgerService) RecordUsage(ctx context.Context, tenantID uuid.UUID, delta int64) (*OperationResult, error) {
	if delta < 0 {
		return nil, billing.ErrInvalidUsageDelta
	}
	if limit := s.config.MaxUsageDelta; limit > 0 && delta > limit {
		return nil, billing.ErrInvalidUsageDelta.WithMessage(
			fmt.Sprintf("Usage delta %d exceeds the limit of %d tokens per call", delta, limit))
	}

	result, err := s.mutate(ctx, tenantID, "RecordUsage", func(account *billing.LedgerAccount, _ time.Time, result *OperationResult) error {
		if err := account.RecordUsage(delta); err != nil {
			return err
		}
		result.Applied = delta > 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.UsageRecorded(ctx, delta)
	return result, nil
}

// PurchaseAddon buys one pack of addonID for the tenant
func (s *LedgerService) PurchaseAddon(ctx context.Context, tenantID uuid.UUID, addonID string) (*OperationResult, error) {
	def, err := s.catalog.Lookup(addonID)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, tenantID, "PurchaseAddon", func(account *billing.LedgerAccount, now time.Time, result *OperationResult) error {
		purchase := account.PurchaseAddon(def, now)
		result.Applied = true
		result.Purchase = &purchase
		s.logger.Info("Add-on purchased",
			zap.String("tenant_id", tenantID.String()),
			zap.String("addon_id", def.ID),
			zap.String("purchase_id", purchase.PurchaseID),
		)
		return nil
	})
}

// RefundPurchase removes a purchase. Refunding an unknown or already
// refunded purchase succeeds with Applied set to false.
func (s *LedgerService) RefundPurchase(ctx context.Context, tenantID uuid.UUID, purchaseID string) (*OperationResult, error) {
	return s.mutate(ctx, tenantID, "RefundPurchase", func(account *billing.LedgerAccount, now time.Time, result *OperationResult) error {
		refunded, ok := account.RefundPurchase(purchaseID, now)
		if !ok {
			s.logger.Debug("Refund ignored, purchase not found",
				zap.String("tenant_id", tenantID.String()),
				zap.String("purchase_id", purchaseID),
			)
			return nil
		}
		result.Applied = true
		result.Purchase = &refunded
		return nil
	})
}

// ToggleKillswitch flips the tenant's kill switch
func (s *LedgerService) ToggleKillswitch(ctx context.Context, tenantID uuid.UUID) (*OperationResult, error) {
	return s.mutate(ctx, tenantID, "ToggleKillswitch", func(account *billing.LedgerAccount, now time.Time, result *OperationResult) error {
		enabled := account.ToggleKillswitch(now)
		result.Applied = true
		s.logger.Info("Kill switch toggled",
			zap.String("tenant_id", tenantID.String()),
			zap.Bool("enabled", enabled),
		)
		return nil
	})
}

// AcknowledgeAutoTopUp clears the pending auto top-up notice
func (s *LedgerService) AcknowledgeAutoTopUp(ctx context.Context, tenantID uuid.UUID) (*OperationResult, error) {
	return s.mutate(ctx, tenantID, "AcknowledgeAutoTopUp", func(account *billing.LedgerAccount, now time.Time, result *OperationResult) error {
		result.Applied = account.AcknowledgeAutoTopUp(now)
		return nil
	})
}

// RolloverTenant runs the period check for one tenant without any other change
func (s *LedgerService) RolloverTenant(ctx context.Context, tenantID uuid.UUID) (*OperationResult, error) {
	return s.mutate(ctx, tenantID, "Rollover", func(*billing.LedgerAccount, time.Time, *OperationResult) error {
		return nil
	})
}

// RolloverAll runs the period check for every known tenant and returns how
// many accounts entered a new period. Failures for one tenant do not stop
// the others.
func (s *LedgerService) RolloverAll(ctx context.Context) (int, error) {
	ids, err := s.tenantIDs(ctx)
	if err != nil {
		return 0, err
	}

	rolled := 0
	var errs []error
	for _, tenantID := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result, err := s.RolloverTenant(ctx, tenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		if result.RolledOver {
			rolled++
		}
	}

	s.logger.Info("Period rollover sweep completed",
		zap.Int("tenants", len(ids)),
		zap.Int("rolled_over", rolled),
		zap.Int("failed", len(errs)),
	)
	return rolled, errors.Join(errs...)
}

// GetSnapshot returns the tenant's ledger without changing it. A tenant
// with no stored ledger gets the snapshot of a fresh, unsaved account.
func (s *LedgerService) GetSnapshot(ctx context.Context, tenantID uuid.UUID) (billing.LedgerSnapshot, error) {
	ctx, span := s.startSpan(ctx, "GetSnapshot", tenantID)
	defer span.End()

	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return billing.LedgerSnapshot{}, err
	}
	defer unlock()

	now := s.now()
	account, _, err := s.loadOrOpen(ctx, tenantID, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return billing.LedgerSnapshot{}, err
	}
	return account.Snapshot(), nil
}

// ListAddons returns the purchasable packs
func (s *LedgerService) ListAddons() []billing.AddOnDefinition {
	return s.catalog.List()
}

// AutoTopUpPack returns the pack bought by automatic replenishment
func (s *LedgerService) AutoTopUpPack() billing.AddOnDefinition {
	return s.catalog.AutoTopUpPack()
}

// ListEvents returns the tenant's most recent ledger events, newest first
func (s *LedgerService) ListEvents(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.LedgerEvent, error) {
	if s.eventRepo == nil {
		return []*billing.LedgerEvent{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.eventRepo.ListByTenant(ctx, tenantID, limit)
}

// PendingSaves returns the number of tenants whose latest state is only in memory
func (s *LedgerService) PendingSaves() int {
	return s.retrier.count()
}

// Close tries once more to save every pending account and stops the retry workers
func (s *LedgerService) Close(ctx context.Context) error {
	return s.retrier.close(ctx)
}

type mutation func(account *billing.LedgerAccount, now time.Time, result *OperationResult) error

func (s *LedgerService) mutate(ctx context.Context, tenantID uuid.UUID, op string, fn mutation) (*OperationResult, error) {
	ctx, span := s.startSpan(ctx, op, tenantID)
	defer span.End()

	fail := func(err error) (*OperationResult, error) {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if tenantID == uuid.Nil {
		return fail(billing.ErrInvalidTenant)
	}

	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	now := s.now()
	account, created, err := s.loadOrOpen(ctx, tenantID, now)
	if err != nil {
		return fail(err)
	}

	result := &OperationResult{}
	result.RolledOver = s.refresh(ctx, account, now)
	before := account.Clone()

	if err := fn(account, now, result); err != nil {
		return fail(err)
	}

	result.Replenishment = s.applyPolicy(ctx, account, now)

	if created || result.Applied || len(account.GetDomainEvents()) > 0 {
		result.Warning = s.commit(ctx, account, billing.DiffLedger(before, account), now)
		if result.Warning != nil {
			telemetry.SetAttribute(span, "ledger.persistence_warning", true)
		}
	}

	result.Snapshot = account.Snapshot()
	telemetry.SetAttributes(span,
		"ledger.used_tokens", result.Snapshot.UsedTokens,
		"ledger.remaining", result.Snapshot.Remaining,
	)
	return result, nil
}

func (s *LedgerService) applyPolicy(ctx context.Context, account *billing.LedgerAccount, now time.Time) billing.ReplenishmentDecision {
	decision := s.policy.Apply(account, now)
	if decision.Outcome == billing.OutcomeTopUp {
		s.metrics.AutoTopUp(ctx, decision.PacksNeeded,
			int64(decision.PacksNeeded)*decision.Pack.TokenCount,
			int64(decision.PacksNeeded)*decision.Pack.PriceMinorUnits)
		s.logger.Warn("Capacity exhausted, auto top-up applied",
			zap.String("tenant_id", account.TenantID.String()),
			zap.Int("packs", decision.PacksNeeded),
			zap.Int64("deficit", decision.Deficit),
		)
	}
	return decision
}

// refresh applies the current allowance and the period rollover check.
// It returns true when a new period started.
func (s *LedgerService) refresh(ctx context.Context, account *billing.LedgerAccount, now time.Time) bool {
	allowance := s.baseAllowance(ctx, account.TenantID, account.BasePlanAllowance)

	rollover, ok, err := billing.Rollover(account, s.periodKey(now), allowance, now)
	if err != nil {
		s.logger.Error("Period rollover rejected",
			zap.String("tenant_id", account.TenantID.String()),
			zap.Error(err),
		)
		return false
	}
	if ok {
		s.logger.Info("Billing period rolled over",
			zap.String("tenant_id", account.TenantID.String()),
			zap.String("previous_period", rollover.PreviousPeriod),
			zap.String("period", rollover.Period),
			zap.Int64("carryover", rollover.Carryover),
			zap.Int("settled_purchases", rollover.SettledPurchases),
		)
		return true
	}

	if _, err := account.SetBasePlanAllowance(allowance, now); err != nil {
		s.logger.Error("Base allowance rejected",
			zap.String("tenant_id", account.TenantID.String()),
			zap.Error(err),
		)
	}
	return false
}

// commit saves the account and publishes its pending events. A failed
// save keeps the in-memory state and change, schedules a retry and returns
// a warning.
func (s *LedgerService) commit(ctx context.Context, account *billing.LedgerAccount, change billing.LedgerChange, now time.Time) error {
	account.IncrementVersion(now)
	events := account.GetDomainEvents()
	account.ClearDomainEvents()

	var warning error
	if err := s.save(ctx, account); err != nil {
		s.logger.Warn("Ledger save failed, keeping in-memory state and retrying",
			zap.String("tenant_id", account.TenantID.String()),
			zap.Int("version", account.Version),
			zap.Error(err),
		)
		s.retrier.schedule(account, change)
		warning = billing.ErrPersistenceUnavailable.WithCause(err)
	} else {
		s.retrier.forget(account.TenantID)
	}

	s.publish(ctx, events)
	return warning
}

func (s *LedgerService) save(ctx context.Context, account *billing.LedgerAccount) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.Save(saveCtx, account)
	s.metrics.SaveCompleted(ctx, time.Since(start), err)
	return err
}

// retrySave is run by the retry workers under the tenant lock
func (s *LedgerService) retrySave(ctx context.Context, tenantID uuid.UUID) error {
	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	unsaved, ok := s.retrier.entry(tenantID)
	if !ok {
		return nil
	}

	err = s.save(ctx, unsaved.account)
	switch {
	case err == nil:
		s.retrier.forget(tenantID)
		s.logger.Info("Ledger saved after retry",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("version", unsaved.account.Version),
		)
		return nil
	case errors.Is(err, shared.ErrConcurrencyConflict):
		s.logger.Warn("Stored ledger changed since it was loaded, merging unsaved changes",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("loaded_version", unsaved.account.StoredVersion()),
			zap.Int("changes", len(unsaved.changes)),
		)
		return s.rebase(ctx, tenantID, unsaved)
	default:
		return err
	}
}

// rebase reloads the stored account, merges the unsaved changes onto it
// and saves the result. Events of the merged changes were published when
// they were first applied; only what the merge itself triggers, such as a
// new auto top-up, is published now. Runs under the tenant lock.
func (s *LedgerService) rebase(ctx context.Context, tenantID uuid.UUID, unsaved unsavedLedger) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	account, err := s.store.Load(loadCtx, tenantID)
	cancel()
	if err != nil {
		return fmt.Errorf("reload ledger after conflict: %w", err)
	}
	if landed(account, unsaved.account) {
		s.retrier.forget(tenantID)
		s.logger.Info("Ledger save had landed despite the error",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("version", account.Version),
		)
		return nil
	}

	now := s.now()
	for _, change := range unsaved.changes {
		if change.Period > account.LastResetPeriod {
			if _, _, err := billing.Rollover(account, change.Period, account.BasePlanAllowance, now); err != nil {
				return err
			}
		}
		account.Merge(change)
	}
	if period := unsaved.account.LastResetPeriod; period > account.LastResetPeriod {
		if _, _, err := billing.Rollover(account, period, unsaved.account.BasePlanAllowance, now); err != nil {
			return err
		}
	}
	account.ClearDomainEvents()

	s.refresh(ctx, account, now)
	before := account.Clone()
	s.applyPolicy(ctx, account, now)
	changes := slices.Clone(unsaved.changes)
	if change := billing.DiffLedger(before, account); !change.IsZero() {
		changes = append(changes, change)
	}

	account.IncrementVersion(now)
	events := account.GetDomainEvents()
	account.ClearDomainEvents()

	err = s.save(ctx, account)
	if err == nil {
		s.retrier.forget(tenantID)
		s.logger.Info("Unsaved ledger changes merged onto the stored version",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("version", account.Version),
			zap.Int("changes", len(unsaved.changes)),
		)
	} else {
		s.retrier.replace(account, changes)
	}
	s.publish(ctx, events)
	return err
}

// landed reports whether stored is the save of pending that returned an
// error after committing, e.g. on a timeout
func landed(stored, pending *billing.LedgerAccount) bool {
	return stored.ID == pending.ID &&
		stored.Version == pending.Version &&
		stored.UpdatedAt.Sub(pending.UpdatedAt).Abs() < time.Millisecond
}

func (s *LedgerService) publish(ctx context.Context, events []shared.DomainEvent) {
	if len(events) == 0 || s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("Failed to publish ledger events", zap.Int("count", len(events)), zap.Error(err))
		return
	}
	for _, e := range events {
		if le, ok := e.(*billing.LedgerEvent); ok {
			s.metrics.LedgerEvent(ctx, string(le.Action))
		}
	}
}

func (s *LedgerService) loadOrOpen(ctx context.Context, tenantID uuid.UUID, now time.Time) (*billing.LedgerAccount, bool, error) {
	if account := s.retrier.pending(tenantID); account != nil {
		return account, false, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	account, err := s.store.Load(loadCtx, tenantID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, false, billing.ErrPersistenceUnavailable.WithCause(err)
	}

	allowance := s.baseAllowance(ctx, tenantID, 0)
	account, err = billing.NewLedgerAccount(tenantID, allowance, s.periodKey(now), now)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// baseAllowance asks the provider for the tenant's allowance and keeps
// fallback when it fails or reports a negative value
func (s *LedgerService) baseAllowance(ctx context.Context, tenantID uuid.UUID, fallback int64) int64 {
	allowance, err := s.allowances.BaseAllowance(ctx, tenantID)
	if err == nil && allowance < 0 {
		err = billing.ErrInvalidAllowance
	}
	if err != nil {
		s.logger.Warn("Base allowance unavailable, keeping current value",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return fallback
	}
	return allowance
}

func (s *LedgerService) tenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	stored, err := s.store.ListTenantIDs(ctx)
	if err != nil {
		return nil, billing.ErrPersistenceUnavailable.WithCause(err)
	}

	seen := make(map[uuid.UUID]struct{}, len(stored))
	ids := make([]uuid.UUID, 0, len(stored))
	for _, id := range append(stored, s.retrier.tenantIDs()...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *LedgerService) lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	return unlock, nil
}

func (s *LedgerService) periodKey(now time.Time) string {
	return billing.PeriodKey(now.In(s.config.Location))
}

func (s *LedgerService) startSpan(ctx context.Context, op string, tenantID uuid.UUID) (context.Context, trace.Span) {
	return telemetry.StartServiceSpan(ctx, "ledger", op,
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, tenantID.String()),
	)
}
