package cli

import (
	"context"
	"fmt"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/bootstrap"
	"github.com/erp/tokenledger/internal/infrastructure/telemetry"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), telemetry.ServiceVersion)
			return err
		},
	}
}

func newSnapshotCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Show a tenant's ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := s.tenantID()
			if err != nil {
				return err
			}
			return s.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				snapshot, err := app.Ledger.GetSnapshot(ctx, tenantID)
				if err != nil {
					return err
				}
				return s.render(cmd, dto.ToSnapshotResponse(snapshot))
			})
		},
	}
}

func newUsageCmd(s *session) *cobra.Command {
	var delta int64

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Record consumed tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
				return svc.RecordUsage(ctx, tenantID, delta)
			})
		},
	}

	cmd.Flags().Int64Var(&delta, "delta", 0, "Tokens consumed (non-negative)")
	_ = cmd.MarkFlagRequired("delta")
	return cmd
}

func newPurchaseCmd(s *session) *cobra.Command {
	var addonID string

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "Buy an add-on pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
				return svc.PurchaseAddon(ctx, tenantID, addonID)
			})
		},
	}

	cmd.Flags().StringVar(&addonID, "addon", "", "Add-on ID, see 'ledgerctl addons'")
	_ = cmd.MarkFlagRequired("addon")
	return cmd
}

func newRefundCmd(s *session) *cobra.Command {
	var purchaseID string

	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Refund a purchase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
				return svc.RefundPurchase(ctx, tenantID, purchaseID)
			})
		},
	}

	cmd.Flags().StringVar(&purchaseID, "purchase", "", "Purchase ID")
	_ = cmd.MarkFlagRequired("purchase")
	return cmd
}

func newKillswitchCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "killswitch",
		Short: "Toggle the tenant's kill switch",
		Long:  "With the kill switch on, an exhausted ledger blocks instead of buying the auto top-up pack.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
				return svc.ToggleKillswitch(ctx, tenantID)
			})
		},
	}
}

func newAcknowledgeCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:     "acknowledge",
		Aliases: []string{"ack"},
		Short:   "Dismiss the pending auto top-up notice",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
				return svc.AcknowledgeAutoTopUp(ctx, tenantID)
			})
		},
	}
}

func newRolloverCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Move ledgers into the current billing period",
		Long:  "Rolls over the tenant given by --tenant, or every stored tenant when it is omitted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.opts.tenant != "" {
				return s.mutate(cmd, func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error) {
					return svc.RolloverTenant(ctx, tenantID)
				})
			}
			return s.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Ledger.RolloverAll(ctx)
				if err != nil {
					return err
				}
				if s.opts.asJSON {
					return s.render(cmd, map[string]int{"rolled_over": n})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rolled over %d tenant(s)\n", n)
				return err
			})
		},
	}
}

func newAddonsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "addons",
		Short: "List purchasable add-on packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.run(cmd, func(_ context.Context, app *bootstrap.App) error {
				addons := dto.ToAddonResponses(app.Ledger.ListAddons(), app.Ledger.AutoTopUpPack().ID)
				return s.render(cmd, addons)
			})
		},
	}
}

func newEventsCmd(s *session) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tenant's audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := s.tenantID()
			if err != nil {
				return err
			}
			if limit < 1 || limit > 500 {
				return fmt.Errorf("--limit must be between 1 and 500, got %d", limit)
			}
			return s.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
				events, err := app.Ledger.ListEvents(ctx, tenantID, limit)
				if err != nil {
					return err
				}
				return s.render(cmd, dto.ToEventResponses(events))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}
