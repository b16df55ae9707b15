package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/erp/tokenledger/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var busNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testHandler records what it handles
type testHandler struct {
	eventTypes []string
	handled    []shared.DomainEvent
	err        error
	panicMsg   string
	mu         sync.Mutex
}

func newTestHandler(eventTypes ...string) *testHandler {
	return &testHandler{eventTypes: eventTypes}
}

func (h *testHandler) Handle(_ context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	return h.err
}

func (h *testHandler) EventTypes() []string {
	return h.eventTypes
}

func (h *testHandler) getHandled() []shared.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]shared.DomainEvent(nil), h.handled...)
}

// ledgerEvents returns the events of a purchase followed by a kill switch toggle
func ledgerEvents(t *testing.T, tenantID uuid.UUID) []shared.DomainEvent {
	t.Helper()
	account, err := billing.NewLedgerAccount(tenantID, 1000, "2025-06", busNow)
	require.NoError(t, err)
	account.PurchaseAddon(billing.AddOnDefinition{ID: "small", Name: "Small", TokenCount: 100, PriceMinorUnits: 500}, busNow)
	account.ToggleKillswitch(busNow)
	return account.GetDomainEvents()
}

func TestInMemoryEventBus_Publish(t *testing.T) {
	t.Run("delivers events in order", func(t *testing.T) {
		bus := NewInMemoryEventBus(zap.NewNop())
		handler := newTestHandler()
		bus.Subscribe(handler)

		events := ledgerEvents(t, uuid.New())
		require.NoError(t, bus.Publish(context.Background(), events...))

		handled := handler.getHandled()
		require.Len(t, handled, 2)
		assert.Equal(t, billing.ActionPurchaseAddon.EventType(), handled[0].EventType())
		assert.Equal(t, billing.ActionKillswitchEnabled.EventType(), handled[1].EventType())

		published, failed := bus.Stats()
		assert.Equal(t, int64(2), published)
		assert.Zero(t, failed)
	})

	t.Run("routes by event type", func(t *testing.T) {
		bus := NewInMemoryEventBus(zap.NewNop())
		purchases := newTestHandler(billing.ActionPurchaseAddon.EventType())
		killswitch := newTestHandler(billing.ActionKillswitchEnabled.EventType())
		bus.Subscribe(purchases)
		bus.Subscribe(killswitch)

		require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, uuid.New())...))

		assert.Len(t, purchases.getHandled(), 1)
		assert.Len(t, killswitch.getHandled(), 1)
	})

	t.Run("explicit types override the handler's own", func(t *testing.T) {
		bus := NewInMemoryEventBus(zap.NewNop())
		handler := newTestHandler(billing.ActionPurchaseAddon.EventType())
		bus.Subscribe(handler, billing.ActionKillswitchEnabled.EventType())

		require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, uuid.New())...))

		handled := handler.getHandled()
		require.Len(t, handled, 1)
		assert.Equal(t, billing.ActionKillswitchEnabled.EventType(), handled[0].EventType())
	})

	t.Run("failing and panicking handlers do not block others", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		bus := NewInMemoryEventBus(zap.New(core))

		failing := newTestHandler()
		failing.err = errors.New("sink down")
		panicking := newTestHandler()
		panicking.panicMsg = "boom"
		healthy := newTestHandler()
		bus.Subscribe(failing)
		bus.Subscribe(panicking)
		bus.Subscribe(healthy)

		require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, uuid.New())...))

		assert.Len(t, healthy.getHandled(), 2)
		_, failed := bus.Stats()
		assert.Equal(t, int64(4), failed)
		assert.Equal(t, 4, logs.FilterMessage("Event handler failed").Len())
	})

	t.Run("duplicate subscription delivers once", func(t *testing.T) {
		bus := NewInMemoryEventBus(zap.NewNop())
		handler := newTestHandler()
		bus.Subscribe(handler)
		bus.Subscribe(handler)

		require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, uuid.New())...))
		assert.Len(t, handler.getHandled(), 2)
	})
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler(billing.AllEventTypes()...)
	bus.Subscribe(handler)
	assert.Equal(t, 1, bus.registry.Len())

	bus.Unsubscribe(handler)
	assert.Zero(t, bus.registry.Len())

	require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, uuid.New())...))
	assert.Empty(t, handler.getHandled())
}

func TestInMemoryEventBus_StartStop(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryEventBus(zap.NewNop())
	handler := newTestHandler()
	bus.Subscribe(handler)

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, ledgerEvents(t, uuid.New())...))
	require.NoError(t, bus.Stop(ctx))

	err := bus.Publish(ctx, ledgerEvents(t, uuid.New())...)
	assert.ErrorIs(t, err, ErrBusStopped)
	assert.Len(t, handler.getHandled(), 2)

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, ledgerEvents(t, uuid.New())...))
	assert.Len(t, handler.getHandled(), 4)
}

type failingEventRepo struct{}

func (failingEventRepo) Append(context.Context, ...*billing.LedgerEvent) error {
	return errors.New("audit store unavailable")
}

func (failingEventRepo) ListByTenant(context.Context, uuid.UUID, int) ([]*billing.LedgerEvent, error) {
	return nil, nil
}

func TestLedgerAuditHandler(t *testing.T) {
	t.Run("appends ledger events and logs them", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		repo := persistence.NewMemoryLedgerEventRepository()
		handler := NewLedgerAuditHandler(repo, zap.New(core), 0)

		bus := NewInMemoryEventBus(zap.NewNop())
		bus.Subscribe(handler)

		tenantID := uuid.New()
		require.NoError(t, bus.Publish(context.Background(), ledgerEvents(t, tenantID)...))

		stored, err := repo.ListByTenant(context.Background(), tenantID, 10)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, billing.ActionKillswitchEnabled, stored[0].Action)
		assert.Equal(t, billing.ActionPurchaseAddon, stored[1].Action)

		entries := logs.FilterMessage("Ledger event").All()
		require.Len(t, entries, 2)
		assert.Equal(t, tenantID.String(), entries[0].ContextMap()["tenant_id"])
		assert.Equal(t, "purchase_addon", entries[0].ContextMap()["action"])
	})

	t.Run("warning events are logged at warn level", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		handler := NewLedgerAuditHandler(nil, zap.New(core), time.Second)

		account, err := billing.NewLedgerAccount(uuid.New(), 10, "2025-06", busNow)
		require.NoError(t, err)

		event := billing.NewLedgerEvent(account, billing.ActionCapacityExhausted, billing.SeverityWarning,
			"Token capacity exhausted", nil, busNow)
		require.NoError(t, handler.Handle(context.Background(), event))
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("store failure is returned", func(t *testing.T) {
		handler := NewLedgerAuditHandler(failingEventRepo{}, zap.NewNop(), time.Second)
		events := ledgerEvents(t, uuid.New())

		err := handler.Handle(context.Background(), events[0])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audit store unavailable")
	})

	t.Run("ignores foreign events and subscribes to ledger types", func(t *testing.T) {
		handler := NewLedgerAuditHandler(failingEventRepo{}, zap.NewNop(), time.Second)
		foreign := shared.NewBaseDomainEvent("other.thing", "Other", uuid.New(), uuid.New(), busNow)

		assert.NoError(t, handler.Handle(context.Background(), &foreign))
		assert.ElementsMatch(t, billing.AllEventTypes(), handler.EventTypes())
	})
}
