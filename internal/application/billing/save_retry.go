package billing

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// unsavedLedger is the newest in-memory account of a tenant together with
// every change applied to it since it was last stored
type unsavedLedger struct {
	account *billing.LedgerAccount
	changes []billing.LedgerChange
}

// saveRetrier keeps accounts whose save failed and re-saves them in the
// background with exponential backoff. At most one worker runs per tenant;
// the worker always saves the newest in-memory copy.
type saveRetrier struct {
	attempt func(ctx context.Context, tenantID uuid.UUID) error
	config  LedgerServiceConfig
	metrics Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	unsaved map[uuid.UUID]*unsavedLedger
	running map[uuid.UUID]bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSaveRetrier(attempt func(context.Context, uuid.UUID) error, config LedgerServiceConfig, metrics Metrics, logger *zap.Logger) *saveRetrier {
	ctx, cancel := context.WithCancel(context.Background())
	return &saveRetrier{
		attempt: attempt,
		config:  config,
		metrics: metrics,
		logger:  logger,
		unsaved: make(map[uuid.UUID]*unsavedLedger),
		running: make(map[uuid.UUID]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// schedule records the account and its latest change as unsaved and starts
// a worker if needed
func (r *saveRetrier) schedule(account *billing.LedgerAccount, change billing.LedgerChange) {
	r.mu.Lock()
	entry, ok := r.unsaved[account.TenantID]
	if !ok {
		entry = &unsavedLedger{}
		r.unsaved[account.TenantID] = entry
	}
	entry.account = account
	if !change.IsZero() {
		entry.changes = append(entry.changes, change)
	}
	start := r.startLocked(account.TenantID)
	n := len(r.unsaved)
	r.mu.Unlock()

	r.metrics.PendingRetries(n)
	if start {
		go r.run(account.TenantID)
	}
}

// forget drops the tenant once its state has been saved
func (r *saveRetrier) forget(tenantID uuid.UUID) {
	r.mu.Lock()
	_, had := r.unsaved[tenantID]
	delete(r.unsaved, tenantID)
	n := len(r.unsaved)
	r.mu.Unlock()

	if had {
		r.metrics.PendingRetries(n)
	}
}

// replace swaps in an account rebuilt from a newer stored version. The
// worker keeps running.
func (r *saveRetrier) replace(account *billing.LedgerAccount, changes []billing.LedgerChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsaved[account.TenantID] = &unsavedLedger{account: account, changes: changes}
}

// pending returns the unsaved account for the tenant, if any.
// Callers must hold the tenant lock before touching it.
func (r *saveRetrier) pending(tenantID uuid.UUID) *billing.LedgerAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.unsaved[tenantID]; ok {
		return entry.account
	}
	return nil
}

// entry returns a copy of the tenant's unsaved state
func (r *saveRetrier) entry(tenantID uuid.UUID) (unsavedLedger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.unsaved[tenantID]
	if !ok {
		return unsavedLedger{}, false
	}
	return unsavedLedger{account: entry.account, changes: slices.Clone(entry.changes)}, true
}

func (r *saveRetrier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsaved)
}

func (r *saveRetrier) tenantIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(r.unsaved))
	for id := range r.unsaved {
		ids = append(ids, id)
	}
	return ids
}

// startLocked reports whether a new worker must be started. r.mu must be held.
func (r *saveRetrier) startLocked(tenantID uuid.UUID) bool {
	if r.closed || r.running[tenantID] {
		return false
	}
	r.running[tenantID] = true
	r.wg.Add(1)
	return true
}

func (r *saveRetrier) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.RetryInitialInterval
	b.MaxInterval = r.config.RetryMaxInterval
	b.MaxElapsedTime = r.config.RetryMaxElapsedTime
	b.Reset()
	return backoff.WithContext(b, r.ctx)
}

func (r *saveRetrier) run(tenantID uuid.UUID) {
	defer r.wg.Done()

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return r.attempt(r.ctx, tenantID)
		},
		r.newBackOff(),
		func(err error, wait time.Duration) {
			r.logger.Warn("Ledger save retry failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Int("attempt", attempts),
				zap.Duration("next_in", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("Giving up on ledger save retries",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}

	// A failure scheduled while this worker was finishing needs a new worker.
	r.mu.Lock()
	delete(r.running, tenantID)
	_, still := r.unsaved[tenantID]
	restart := still && err == nil && r.startLocked(tenantID)
	r.mu.Unlock()

	if restart {
		go r.run(tenantID)
	}
}

// close makes one last attempt per unsaved tenant, then stops all workers.
// It returns an error when some state could not be saved.
func (r *saveRetrier) close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, tenantID := range r.tenantIDs() {
		if err := r.attempt(ctx, tenantID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return billing.ErrPersistenceUnavailable.WithCause(errors.Join(errs...))
	}
	return nil
}
