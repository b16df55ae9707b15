package bootstrap

import (
	_ "github.com/erp/tokenledger/docs"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/erp/tokenledger/internal/infrastructure/telemetry"
	"github.com/erp/tokenledger/internal/interfaces/http/handler"
	"github.com/erp/tokenledger/internal/interfaces/http/middleware"
	"github.com/erp/tokenledger/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// Engine builds the HTTP engine serving the ledger API.
//
// Middleware order: request ID, panic recovery, tracing, access log and
// body limit on every route; tenant resolution, span attributes, profiling
// labels and the per-tenant rate limit on the ledger routes only.
func (a *App) Engine() (*gin.Engine, error) {
	if a.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if len(a.Config.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(a.Config.HTTP.TrustedProxies); err != nil {
			a.Logger.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	engine.Use(
		middleware.RequestID(),
		logger.Recovery(a.Logger),
		middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: a.Config.Telemetry.ServiceName,
			Enabled:     a.Config.Telemetry.Enabled,
		}),
		middleware.SpanErrorMarker(),
		logger.GinMiddleware(a.Logger),
		middleware.BodyLimit(a.Config.HTTP.MaxBodySize),
	)

	sqlDB, err := a.DB.DB.DB()
	if err != nil {
		return nil, err
	}
	systemHandler := handler.NewSystemHandler(a.Config.App.Name, telemetry.ServiceVersion, sqlDB, a.Ledger)
	engine.GET("/health", systemHandler.Health)
	if a.prometheus != nil {
		engine.GET("/metrics", gin.WrapH(a.prometheus.Handler()))
	}
	if a.Config.HTTP.SwaggerEnabled {
		engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	ledgerRoutes := router.NewLedgerRoutes(handler.NewLedgerHandler(a.Ledger))
	ledgerRoutes.Use(
		middleware.TenantMiddlewareWithConfig(middleware.TenantMiddlewareConfig{Logger: a.Logger}),
		middleware.TracingAttributeInjector(),
	)
	if a.profiler.Enabled() {
		ledgerRoutes.Use(middleware.Profiling())
	}
	if a.Config.HTTP.RateLimitEnabled {
		a.limiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPS:   a.Config.HTTP.RateLimitRPS,
			Burst: a.Config.HTTP.RateLimitBurst,
		})
		ledgerRoutes.Use(middleware.RateLimit(a.limiter))
	}

	router.NewRouter(engine, router.WithAPIVersion("v1")).
		Register(ledgerRoutes).
		Register(router.NewSystemRoutes(systemHandler)).
		Setup()

	a.Logger.Info("HTTP routes registered", zap.Int("routes", len(engine.Routes())))
	return engine, nil
}
