package telemetry

import (
	"context"
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewProfiler(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		p, err := NewProfiler(ProfilerConfig{Enabled: false}, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.False(t, p.Enabled())
		assert.NoError(t, p.Stop())
		assert.NoError(t, p.Stop())
	})

	tests := []struct {
		name string
		cfg  ProfilerConfig
		want string
	}{
		{"missing server address", ProfilerConfig{Enabled: true, ApplicationName: "tokenledger"}, "server address is required"},
		{"missing application name", ProfilerConfig{Enabled: true, ServerAddress: "http://localhost:4040"}, "application name is required"},
		{"unknown profile type", ProfilerConfig{
			Enabled: true, ServerAddress: "http://localhost:4040", ApplicationName: "tokenledger",
			ProfileTypes: []string{"cpu", "heap"},
		}, `unknown profile type "heap"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProfiler(tt.cfg, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Nil(t, p)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIsProfileType(t *testing.T) {
	for _, name := range DefaultProfileTypes {
		assert.True(t, IsProfileType(name), name)
	}
	assert.True(t, IsProfileType("mutex_duration"))
	assert.False(t, IsProfileType("heap"))
}

func TestWithProfilingLabels(t *testing.T) {
	collect := func(ctx context.Context) map[string]string {
		seen := map[string]string{}
		pprof.ForLabels(ctx, func(k, v string) bool {
			seen[k] = v
			return true
		})
		return seen
	}

	var seen map[string]string
	WithProfilingLabels(context.Background(), func(ctx context.Context) {
		seen = collect(ctx)
	}, "operation", "record_usage", "tenant_id", "")
	assert.Equal(t, map[string]string{"operation": "record_usage"}, seen)

	called := false
	WithProfilingLabels(context.Background(), func(ctx context.Context) {
		called = true
		assert.Empty(t, collect(ctx))
	}, "tenant_id", "")
	assert.True(t, called)
}
