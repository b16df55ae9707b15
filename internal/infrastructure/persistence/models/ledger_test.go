package models

import (
	"testing"
	"time"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLedgerEventModel_ToDomain(t *testing.T) {
	row := LedgerEventModel{
		EventID:    uuid.New(),
		TenantID:   uuid.New(),
		AccountID:  uuid.New(),
		EventType:  "usage_recorded",
		Action:     "usage",
		Severity:   "info",
		Summary:    "Recorded 10 tokens",
		OccurredAt: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	t.Run("meta round trips as float64", func(t *testing.T) {
		r := row
		r.MetaJSON = `{"delta":10}`
		e := r.ToDomain()
		assert.Equal(t, billing.AggregateTypeLedgerAccount, e.AggregateType())
		assert.Equal(t, float64(10), e.Meta["delta"])
	})

	t.Run("bad meta logs through the logger installed after init", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		restore := zap.ReplaceGlobals(zap.New(core))
		defer restore()

		r := row
		r.MetaJSON = `{not json`
		e := r.ToDomain()

		assert.Empty(t, e.Meta)
		assert.Equal(t, "Recorded 10 tokens", e.Summary)
		entries := logs.FilterMessage("failed to parse ledger event meta").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "ledger.models", entries[0].LoggerName)
		assert.Equal(t, row.EventID.String(), entries[0].ContextMap()["event_id"])
	})
}
