package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/bootstrap"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type mutation func(ctx context.Context, svc *appbilling.LedgerService, tenantID uuid.UUID) (*appbilling.OperationResult, error)

// mutate runs a tenant operation and renders its result. A change that
// was applied but not stored is reported on stderr; closing the session
// then flushes it or fails the command.
func (s *session) mutate(cmd *cobra.Command, fn mutation) error {
	tenantID, err := s.tenantID()
	if err != nil {
		return err
	}
	return s.run(cmd, func(ctx context.Context, app *bootstrap.App) error {
		result, err := fn(ctx, app.Ledger, tenantID)
		if err != nil {
			return err
		}
		if result.Warning != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", result.Warning)
		}
		return s.render(cmd, dto.ToOperationResponse(result))
	})
}

func (s *session) render(cmd *cobra.Command, v any) error {
	out := cmd.OutOrStdout()
	if s.opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	switch r := v.(type) {
	case dto.OperationResponse:
		writeOperation(tw, r)
	case dto.SnapshotResponse:
		writeSnapshot(tw, r)
	case []dto.AddonResponse:
		writeAddons(tw, r)
	case []dto.EventResponse:
		writeEvents(tw, r)
	default:
		return fmt.Errorf("no text rendering for %T", v)
	}
	return tw.Flush()
}

func writeOperation(w io.Writer, r dto.OperationResponse) {
	fmt.Fprintf(w, "Applied:\t%t\n", r.Applied)
	if r.RolledOver {
		fmt.Fprintf(w, "Rolled over:\t%t\n", r.RolledOver)
	}
	fmt.Fprintf(w, "Replenishment:\t%s\n", r.Replenishment.Outcome)
	if r.Replenishment.Deficit > 0 {
		fmt.Fprintf(w, "Deficit:\t%d\n", r.Replenishment.Deficit)
	}
	if r.Purchase != nil {
		fmt.Fprintf(w, "Purchase:\t%s (%s, %d tokens, %s)\n",
			r.Purchase.PurchaseID, r.Purchase.AddonID, r.Purchase.TokenCount, r.Purchase.Price.Amount)
	}
	fmt.Fprintln(w)
	writeSnapshot(w, r.Snapshot)
}

func writeSnapshot(w io.Writer, s dto.SnapshotResponse) {
	fmt.Fprintf(w, "Tenant:\t%s\n", s.TenantID)
	fmt.Fprintf(w, "Period:\t%s\n", s.LastResetPeriod)
	fmt.Fprintf(w, "Base allowance:\t%d\n", s.BasePlanAllowance)
	fmt.Fprintf(w, "Rollover:\t%d\n", s.RolloverTokens)
	fmt.Fprintf(w, "Capacity:\t%d\n", s.TotalCapacity)
	fmt.Fprintf(w, "Used:\t%d\n", s.UsedTokens)
	fmt.Fprintf(w, "Remaining:\t%d\n", s.Remaining)
	fmt.Fprintf(w, "Kill switch:\t%s\n", killswitchState(s))
	if n := s.PendingAutoTopUpNotice; n != nil {
		fmt.Fprintf(w, "Auto top-up:\t%d pack(s), %d tokens, %s at %s\n",
			n.PacksApplied, n.TokensAdded, n.TotalCharge.Amount, n.OccurredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Version:\t%d\n", s.Version)

	if len(s.Purchases) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PURCHASE\tADDON\tTOKENS\tPRICE\tAUTO\tSETTLED\tPURCHASED AT")
	for _, p := range s.Purchases {
		settled := p.SettledPeriod
		if settled == "" {
			settled = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\t%s\n",
			p.PurchaseID, p.AddonID, p.TokenCount, p.Price.Amount, p.IsAutoReplenishment, settled,
			p.PurchasedAt.Format(time.RFC3339))
	}
}

func killswitchState(s dto.SnapshotResponse) string {
	switch {
	case s.KillswitchTriggered:
		return "on (blocking)"
	case s.KillswitchEnabled:
		return "on"
	default:
		return "off"
	}
}

func writeAddons(w io.Writer, addons []dto.AddonResponse) {
	fmt.Fprintln(w, "ID\tNAME\tTOKENS\tPRICE\tAUTO TOP-UP")
	for _, a := range addons {
		auto := ""
		if a.AutoTopUp {
			auto = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.ID, a.Name, a.TokenCount, a.Price.Amount, auto)
	}
}

func writeEvents(w io.Writer, events []dto.EventResponse) {
	fmt.Fprintln(w, "OCCURRED AT\tACTION\tSEVERITY\tSUMMARY")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339), e.Action, e.Severity, e.Summary)
	}
}
