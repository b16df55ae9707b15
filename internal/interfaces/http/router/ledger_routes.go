package router

import (
	"net/http"

	"github.com/erp/tokenledger/internal/interfaces/http/handler"
)

// NewLedgerRoutes maps the tenant ledger API under /ledger
func NewLedgerRoutes(h *handler.LedgerHandler) *RouteTable {
	return NewRouteTable("/ledger",
		Route{http.MethodGet, "/snapshot", h.GetSnapshot},
		Route{http.MethodGet, "/addons", h.ListAddons},
		Route{http.MethodGet, "/events", h.ListEvents},
		Route{http.MethodPost, "/usage", h.RecordUsage},
		Route{http.MethodPost, "/purchases", h.PurchaseAddon},
		Route{http.MethodDelete, "/purchases/:purchase_id", h.RefundPurchase},
		Route{http.MethodPost, "/killswitch/toggle", h.ToggleKillswitch},
		Route{http.MethodPost, "/auto-top-up/acknowledge", h.AcknowledgeAutoTopUp},
		Route{http.MethodPost, "/rollover", h.Rollover},
	)
}

// NewSystemRoutes maps build information under /system
func NewSystemRoutes(h *handler.SystemHandler) *RouteTable {
	return NewRouteTable("/system",
		Route{http.MethodGet, "/info", h.GetSystemInfo},
	)
}
