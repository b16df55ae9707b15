package middleware

import (
	"context"

	"github.com/erp/tokenledger/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
)

// Profiling labels samples taken while serving a request with its route
// pattern, method and tenant. Register it after the tenant middleware.
func Profiling() gin.HandlerFunc {
	return func(c *gin.Context) {
		telemetry.WithProfilingLabels(c.Request.Context(), func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		},
			"route", c.FullPath(),
			"method", c.Request.Method,
			"tenant_id", GetTenantID(c),
		)
	}
}
