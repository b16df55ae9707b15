package handler

import (
	"context"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LedgerService is the application service behind LedgerHandler
type LedgerService interface {
	RecordUsage(ctx context.Context, tenantID uuid.UUID, delta int64) (*appbilling.OperationResult, error)
	PurchaseAddon(ctx context.Context, tenantID uuid.UUID, addonID string) (*appbilling.OperationResult, error)
	RefundPurchase(ctx context.Context, tenantID uuid.UUID, purchaseID string) (*appbilling.OperationResult, error)
	ToggleKillswitch(ctx context.Context, tenantID uuid.UUID) (*appbilling.OperationResult, error)
	AcknowledgeAutoTopUp(ctx context.Context, tenantID uuid.UUID) (*appbilling.OperationResult, error)
	RolloverTenant(ctx context.Context, tenantID uuid.UUID) (*appbilling.OperationResult, error)
	GetSnapshot(ctx context.Context, tenantID uuid.UUID) (billing.LedgerSnapshot, error)
	ListAddons() []billing.AddOnDefinition
	AutoTopUpPack() billing.AddOnDefinition
	ListEvents(ctx context.Context, tenantID uuid.UUID, limit int) ([]*billing.LedgerEvent, error)
}

// LedgerHandler serves the tenant ledger API
type LedgerHandler struct {
	BaseHandler
	service LedgerService
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(service LedgerService) *LedgerHandler {
	return &LedgerHandler{service: service}
}

// GetSnapshot returns the calling tenant's ledger
// @ID           getLedgerSnapshot
// @Summary      Get the tenant ledger
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Success      200  {object}  dto.Response{data=dto.SnapshotResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/snapshot [get]
func (h *LedgerHandler) GetSnapshot(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	snapshot, err := h.service.GetSnapshot(c.Request.Context(), tenantID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.ToSnapshotResponse(snapshot))
}

// RecordUsage adds consumed tokens to the ledger
// @ID           recordLedgerUsage
// @Summary      Record consumed tokens
// @Description  Adds delta to the period usage and applies the replenishment policy. Exhausting capacity buys auto top-up packs unless the kill switch is on.
// @Tags         ledger
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Param        request      body    dto.RecordUsageRequest  true  "Usage delta"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/usage [post]
func (h *LedgerHandler) RecordUsage(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var req dto.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.RecordUsage(ctx, tenantID, *req.Delta)
	})
}

// PurchaseAddon buys one add-on pack
// @ID           purchaseLedgerAddon
// @Summary      Buy an add-on pack
// @Tags         ledger
// @Accept       json
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Param        request      body    dto.PurchaseAddonRequest  true  "Add-on to buy"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/purchases [post]
func (h *LedgerHandler) PurchaseAddon(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var req dto.PurchaseAddonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.PurchaseAddon(ctx, tenantID, req.AddonID)
	})
}

// RefundPurchase removes a purchase from the ledger. Unknown purchase IDs
// answer 200 with applied=false.
// @ID           refundLedgerPurchase
// @Summary      Refund a purchase
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Param        purchase_id  path    string  true  "Purchase ID"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/purchases/{purchase_id} [delete]
func (h *LedgerHandler) RefundPurchase(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var req dto.RefundRequest
	if err := c.ShouldBindUri(&req); err != nil {
		h.BindError(c, err)
		return
	}

	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.RefundPurchase(ctx, tenantID, req.PurchaseID)
	})
}

// ToggleKillswitch flips between blocking and auto top-up on exhaustion
// @ID           toggleLedgerKillswitch
// @Summary      Toggle the kill switch
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/killswitch/toggle [post]
func (h *LedgerHandler) ToggleKillswitch(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.ToggleKillswitch(ctx, tenantID)
	})
}

// AcknowledgeAutoTopUp clears the pending auto top-up notice
// @ID           acknowledgeLedgerAutoTopUp
// @Summary      Acknowledge the auto top-up notice
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/auto-top-up/acknowledge [post]
func (h *LedgerHandler) AcknowledgeAutoTopUp(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.AcknowledgeAutoTopUp(ctx, tenantID)
	})
}

// Rollover runs the period boundary check for the calling tenant now
// @ID           rolloverLedger
// @Summary      Run the period rollover now
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Success      200  {object}  dto.Response{data=dto.OperationResponse}
// @Failure      400  {object}  dto.Response
// @Failure      503  {object}  dto.Response
// @Router       /ledger/rollover [post]
func (h *LedgerHandler) Rollover(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*appbilling.OperationResult, error) {
		return h.service.RolloverTenant(ctx, tenantID)
	})
}

// ListAddons returns the add-on catalog
// @ID           listLedgerAddons
// @Summary      List add-on packs
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Success      200  {object}  dto.Response{data=[]dto.AddonResponse}
// @Router       /ledger/addons [get]
func (h *LedgerHandler) ListAddons(c *gin.Context) {
	addons := dto.ToAddonResponses(h.service.ListAddons(), h.service.AutoTopUpPack().ID)
	h.SuccessWithTotal(c, addons, len(addons))
}

// ListEvents returns the tenant's most recent ledger events, newest first
// @ID           listLedgerEvents
// @Summary      List recent ledger events
// @Description  Newest first.
// @Tags         ledger
// @Produce      json
// @Param        X-Tenant-ID  header  string  true  "Tenant UUID"
// @Param        limit        query   int     false  "Maximum events (1-500)"
// @Success      200  {object}  dto.Response{data=[]dto.EventResponse}
// @Failure      400  {object}  dto.Response
// @Router       /ledger/events [get]
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var req dto.ListEventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BindError(c, err)
		return
	}

	events, err := h.service.ListEvents(c.Request.Context(), tenantID, req.Limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	resp := dto.ToEventResponses(events)
	h.SuccessWithTotal(c, resp, len(resp))
}

func (h *LedgerHandler) respond(c *gin.Context, op func(ctx context.Context) (*appbilling.OperationResult, error)) {
	result, err := op(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithWarning(c, dto.ToOperationResponse(result), result.Warning)
}
