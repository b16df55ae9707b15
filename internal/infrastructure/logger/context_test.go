package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextHelpers(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	t.Run("missing logger falls back to nop", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
		assert.Empty(t, GetRequestID(context.Background()))
		assert.Empty(t, GetTenantID(context.Background()))
	})

	t.Run("request and tenant ids flow into the context logger", func(t *testing.T) {
		ctx, _ := WithRequestID(context.Background(), base, "req-1")
		ctx, _ = WithTenantID(ctx, FromContext(ctx), "tenant-1")

		FromContext(ctx).Info("usage recorded")

		assert.Equal(t, "req-1", GetRequestID(ctx))
		assert.Equal(t, "tenant-1", GetTenantID(ctx))
		entries := recorded.FilterMessage("usage recorded").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "tenant-1", fields["tenant_id"])
	})
}

func TestL_AddsTraceFields(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	ctx := WithContext(context.Background(), zap.New(core))

	L(ctx).Info("without span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	L(trace.ContextWithSpanContext(ctx, spanCtx)).Info("with span")

	without := recorded.FilterMessage("without span").All()
	require.Len(t, without, 1)
	assert.NotContains(t, without[0].ContextMap(), "trace_id")

	with := recorded.FilterMessage("with span").All()
	require.Len(t, with, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", with[0].ContextMap()["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", with[0].ContextMap()["span_id"])
}
