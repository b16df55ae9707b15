package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks a backing store
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PendingSaveCounter reports ledgers whose latest state is not yet stored
type PendingSaveCounter interface {
	PendingSaves() int
}

// SystemHandler handles health and build information endpoints
type SystemHandler struct {
	BaseHandler
	name      string
	version   string
	startTime time.Time
	db        Pinger
	ledger    PendingSaveCounter
}

// NewSystemHandler creates a new SystemHandler. db may be nil when the
// ledger runs on the in-memory store.
func NewSystemHandler(name, version string, db Pinger, ledger PendingSaveCounter) *SystemHandler {
	return &SystemHandler{
		name:      name,
		version:   version,
		startTime: time.Now(),
		db:        db,
		ledger:    ledger,
	}
}

// SystemInfoResponse represents the system information response
type SystemInfoResponse struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string `json:"status"`
	Time         string `json:"time"`
	Database     string `json:"database"`
	PendingSaves int    `json:"pending_saves"`
}

// GetSystemInfo returns name, version and uptime
// @ID           getSystemInfo
// @Summary      Get system information
// @Tags         system
// @Produce      json
// @Success      200  {object}  dto.Response{data=SystemInfoResponse}
// @Router       /system/info [get]
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	h.Success(c, SystemInfoResponse{
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Health reports database reachability. Pending saves degrade the status
// without failing the check.
func (h *SystemHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:   "healthy",
		Time:     time.Now().UTC().Format(time.RFC3339),
		Database: "ok",
	}
	if h.ledger != nil {
		resp.PendingSaves = h.ledger.PendingSaves()
		if resp.PendingSaves > 0 {
			resp.Status = "degraded"
		}
	}

	if h.db == nil {
		resp.Database = "memory"
		h.Success(c, resp)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		logger.GetGinLogger(c).Warn("Health check failed", zap.Error(err))
		resp.Status = "unhealthy"
		resp.Database = "error"
		c.JSON(http.StatusServiceUnavailable, dto.Response{Success: false, Data: resp})
		return
	}
	h.Success(c, resp)
}
