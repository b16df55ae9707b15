package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/erp/tokenledger/internal/bootstrap"
	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fileOpener opens a sqlite file so state survives between command runs.
// ledgerSettings are added to the [ledger] section.
func fileOpener(t *testing.T, ledgerSettings ...string) Opener {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[database]
driver = "sqlite"
sqlite_path = %q

[ledger]
default_tier = "free"
%s

[ledger.tiers]
free = 100000
`, filepath.Join(dir, "ledger.db"), strings.Join(ledgerSettings, "\n"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return func(ctx context.Context, _ string, _ *zap.Logger) (*bootstrap.App, error) {
		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return nil, err
		}
		return bootstrap.New(ctx, cfg, zap.NewNop(), bootstrap.WithoutTelemetry())
	}
}

func runCmd(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLedgerctl_Workflow(t *testing.T) {
	open := fileOpener(t)
	tenant := uuid.New().String()

	out, err := runCmd(t, open, "usage", "--tenant", tenant, "--delta", "500", "--json")
	require.NoError(t, err)
	var usage dto.OperationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.True(t, usage.Applied)
	assert.Equal(t, "healthy", usage.Replenishment.Outcome)
	assert.Equal(t, int64(500), usage.Snapshot.UsedTokens)

	out, err = runCmd(t, open, "purchase", "--tenant", tenant, "--addon", "tokens_10k", "--json")
	require.NoError(t, err)
	var purchase dto.OperationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &purchase))
	require.NotNil(t, purchase.Purchase)
	assert.Equal(t, "5.00", purchase.Purchase.Price.Amount)

	out, err = runCmd(t, open, "snapshot", "--tenant", tenant)
	require.NoError(t, err)
	assert.Contains(t, out, "Used:")
	assert.Contains(t, out, "110000")
	assert.Contains(t, out, purchase.Purchase.PurchaseID)

	out, err = runCmd(t, open, "refund", "--tenant", tenant, "--purchase", purchase.Purchase.PurchaseID)
	require.NoError(t, err)
	assert.Contains(t, out, "Applied:")
	assert.Contains(t, out, "true")

	out, err = runCmd(t, open, "events", "--tenant", tenant, "--json")
	require.NoError(t, err)
	var events []dto.EventResponse
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.NotEmpty(t, events)

	out, err = runCmd(t, open, "killswitch", "--tenant", tenant, "--json")
	require.NoError(t, err)
	var toggled dto.OperationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &toggled))
	assert.True(t, toggled.Snapshot.KillswitchEnabled)

	out, err = runCmd(t, open, "rollover")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled over 0 tenant(s)")
}

func TestLedgerctl_Addons(t *testing.T) {
	out, err := runCmd(t, fileOpener(t), "addons")
	require.NoError(t, err)

	assert.Contains(t, out, "tokens_10k")
	assert.Contains(t, out, "tokens_50k")
	assert.Contains(t, out, "20.00")
	assert.Contains(t, out, "yes")
}

func TestLedgerctl_InputErrors(t *testing.T) {
	opened := false
	open := func(context.Context, string, *zap.Logger) (*bootstrap.App, error) {
		opened = true
		return nil, assert.AnError
	}

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing tenant", []string{"snapshot"}, "--tenant is required"},
		{"malformed tenant", []string{"snapshot", "--tenant", "acme"}, "invalid --tenant"},
		{"nil tenant", []string{"usage", "--tenant", uuid.Nil.String(), "--delta", "1"}, "invalid --tenant"},
		{"events limit", []string{"events", "--tenant", uuid.NewString(), "--limit", "0"}, "--limit must be between 1 and 500"},
		{"missing delta", []string{"usage", "--tenant", uuid.NewString()}, "delta"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, open, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.False(t, opened, "input errors must be reported before opening the store")
}

func TestLedgerctl_UsageLimit(t *testing.T) {
	open := fileOpener(t, "max_usage_delta = 1000")
	tenant := uuid.NewString()

	_, err := runCmd(t, open, "usage", "--tenant", tenant, "--delta", "1001")
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrInvalidUsageDelta)

	out, err := runCmd(t, open, "usage", "--tenant", tenant, "--delta", "1000", "--json")
	require.NoError(t, err)
	var usage dto.OperationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Equal(t, int64(1000), usage.Snapshot.UsedTokens)
}

func TestLedgerctl_OpenError(t *testing.T) {
	open := func(context.Context, string, *zap.Logger) (*bootstrap.App, error) {
		return nil, assert.AnError
	}

	_, err := runCmd(t, open, "snapshot", "--tenant", uuid.NewString())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLedgerctl_Version(t *testing.T) {
	out, err := runCmd(t, nil, "version")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
