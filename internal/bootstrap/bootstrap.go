// Package bootstrap wires configuration into a running ledger: storage,
// locking, the event bus, telemetry and the HTTP engine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	appbilling "github.com/erp/tokenledger/internal/application/billing"
	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/infrastructure/cache"
	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/erp/tokenledger/internal/infrastructure/event"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/erp/tokenledger/internal/infrastructure/persistence"
	"github.com/erp/tokenledger/internal/infrastructure/scheduler"
	"github.com/erp/tokenledger/internal/infrastructure/telemetry"
	"github.com/erp/tokenledger/internal/interfaces/http/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Metrics backends accepted by telemetry.metrics_backend
const (
	MetricsBackendOTLP       = "otlp"
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendNone       = "none"
)

const (
	auditTimeout         = 5 * time.Second
	limiterSweepInterval = time.Minute
)

// App holds every long-lived component of a ledger process
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *persistence.Database
	Ledger    *appbilling.LedgerService
	Bus       *event.InMemoryEventBus
	Scheduler *scheduler.RolloverScheduler

	logs       *telemetry.LoggerProvider
	profiler   *telemetry.Profiler
	tracer     *telemetry.TracerProvider
	meter      *telemetry.MeterProvider
	prometheus *telemetry.PrometheusMetrics
	redis      *redis.Client
	limiter    *middleware.RateLimiter
	stopSweep  context.CancelFunc
}

// Option customises New
type Option func(*options)

type options struct {
	clock         func() time.Time
	skipTelemetry bool
}

// WithClock sets the ledger time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithoutTelemetry leaves the global no-op tracer in place and disables
// metrics, log export and profiling. Used by command line tools and tests.
func WithoutTelemetry() Option {
	return func(o *options) { o.skipTelemetry = true }
}

// New builds the application from cfg. On error every component opened so
// far is closed again. With log export enabled, App.Logger is log teed
// into the collector and every component logs through it.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	app := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	if !o.skipTelemetry {
		if err = app.initLogs(ctx); err != nil {
			return nil, err
		}
		log = app.Logger
		if err = app.initProfiler(); err != nil {
			return nil, err
		}
		if err = app.initTracing(ctx); err != nil {
			return nil, err
		}
	}

	if err = app.initDatabase(); err != nil {
		return nil, err
	}

	catalog, err := NewCatalog(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	allowances, err := NewAllowanceProvider(cfg.Ledger)
	if err != nil {
		return nil, err
	}

	eventRepo := persistence.NewGormLedgerEventRepository(app.DB.DB)
	app.Bus = event.NewInMemoryEventBus(log)
	audit := event.NewLedgerAuditHandler(eventRepo, log, auditTimeout)
	app.Bus.Subscribe(audit, audit.EventTypes()...)

	serviceOpts := []appbilling.LedgerServiceOption{
		appbilling.WithEventRepository(eventRepo),
	}
	if o.clock != nil {
		serviceOpts = append(serviceOpts, appbilling.WithClock(o.clock))
	}

	locker, err := app.newLocker(ctx)
	if err != nil {
		return nil, err
	}
	serviceOpts = append(serviceOpts, appbilling.WithTenantLocker(locker))

	if !o.skipTelemetry {
		metrics, err := app.initMetrics(ctx)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			serviceOpts = append(serviceOpts, appbilling.WithMetrics(metrics))
		}
	}

	app.Ledger = appbilling.NewLedgerService(
		persistence.NewGormLedgerStore(app.DB.DB),
		catalog,
		allowances,
		app.Bus,
		log.Named("ledger"),
		NewServiceConfig(cfg.Ledger),
		serviceOpts...,
	)

	schedCfg := scheduler.DefaultRolloverSchedulerConfig()
	schedCfg.Enabled = cfg.Ledger.RolloverInterval > 0
	schedCfg.Interval = cfg.Ledger.RolloverInterval
	if schedCfg.Enabled && schedCfg.RunTimeout > schedCfg.Interval {
		schedCfg.RunTimeout = schedCfg.Interval
	}
	app.Scheduler = scheduler.NewRolloverScheduler(app.Ledger, log.Named("rollover"), schedCfg)

	return app, nil
}

// NewCatalog builds the add-on catalog from configuration
func NewCatalog(cfg config.LedgerConfig) (*billing.Catalog, error) {
	defs := make([]billing.AddOnDefinition, len(cfg.Addons))
	for i, a := range cfg.Addons {
		defs[i] = billing.AddOnDefinition{
			ID:              a.ID,
			Name:            a.Name,
			TokenCount:      a.TokenCount,
			PriceMinorUnits: a.PriceMinorUnits,
			Description:     a.Description,
		}
	}
	catalog, err := billing.NewCatalog(defs, cfg.AutoTopUpAddon)
	if err != nil {
		return nil, fmt.Errorf("build add-on catalog: %w", err)
	}
	return catalog, nil
}

// NewAllowanceProvider maps tenants to their tier's base plan allowance
func NewAllowanceProvider(cfg config.LedgerConfig) (*appbilling.TierAllowanceProvider, error) {
	assignments, err := cfg.TenantTierAssignments()
	if err != nil {
		return nil, err
	}
	return appbilling.NewTierAllowanceProvider(cfg.Tiers, assignments, cfg.DefaultTier)
}

// NewServiceConfig converts the ledger settings to the service configuration
func NewServiceConfig(cfg config.LedgerConfig) appbilling.LedgerServiceConfig {
	return appbilling.LedgerServiceConfig{
		StoreTimeout:         cfg.StoreTimeout,
		LockTimeout:          cfg.LockTimeout,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
		RetryMaxElapsedTime:  cfg.RetryMaxElapsedTime,
		MaxUsageDelta:        cfg.MaxUsageDelta,
		Location:             cfg.Location(),
	}
}

func (a *App) initLogs(ctx context.Context) error {
	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           a.Config.Telemetry.LogsEnabled,
		CollectorEndpoint: a.Config.Telemetry.CollectorEndpoint,
		ServiceName:       a.Config.Telemetry.ServiceName,
		Insecure:          a.Config.Telemetry.Insecure,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("init log export: %w", err)
	}
	a.logs = lp
	a.Logger = lp.Bridge(a.Logger, a.Logger.Level())
	return nil
}

func (a *App) initProfiler() error {
	p, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           a.Config.Telemetry.ProfilingEnabled,
		ServerAddress:     a.Config.Telemetry.ProfilingServerAddress,
		ApplicationName:   a.Config.Telemetry.ServiceName,
		BasicAuthUser:     a.Config.Telemetry.ProfilingBasicAuthUser,
		BasicAuthPassword: a.Config.Telemetry.ProfilingBasicAuthPass,
		ProfileTypes:      a.Config.Telemetry.ProfileTypes,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("init profiling: %w", err)
	}
	a.profiler = p
	return nil
}

func (a *App) initTracing(ctx context.Context) error {
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           a.Config.Telemetry.Enabled,
		CollectorEndpoint: a.Config.Telemetry.CollectorEndpoint,
		SamplingRatio:     a.Config.Telemetry.SamplingRatio,
		ServiceName:       a.Config.Telemetry.ServiceName,
		Insecure:          a.Config.Telemetry.Insecure,
		ProfilingEnabled:  a.profiler.Enabled(),
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tp
	return nil
}

func (a *App) initDatabase() error {
	gormLog := logger.NewGormLogger(a.Logger, logger.MapGormLogLevel(a.Config.Log.Level), a.Config.Telemetry.DBSlowQueryThresh)
	db, err := persistence.NewDatabase(&a.Config.Database, gormLog)
	if err != nil {
		return err
	}
	a.DB = db

	dbSystem := "postgresql"
	if db.Driver == persistence.DriverSQLite {
		dbSystem = "sqlite"
		// sqlite has no migration runner; the schema comes from the models
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate sqlite schema: %w", err)
		}
	}

	plugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         a.Config.Telemetry.Enabled && a.Config.Telemetry.DBTraceEnabled,
		LogFullSQL:      a.Config.Telemetry.DBLogFullSQL,
		SlowQueryThresh: a.Config.Telemetry.DBSlowQueryThresh,
		DBSystem:        dbSystem,
	}, a.Logger)
	if err := plugin.RegisterOtelGorm(db.DB); err != nil {
		return fmt.Errorf("register database tracing: %w", err)
	}

	a.Logger.Info("Database connected", zap.String("driver", db.Driver))
	return nil
}

func (a *App) newLocker(ctx context.Context) (appbilling.TenantLocker, error) {
	local := appbilling.NewLocalTenantLocker()
	if !a.Config.Redis.Enabled {
		return local, nil
	}

	client, err := cache.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.Logger.Info("Using Redis tenant lock", zap.String("addr", a.Config.Redis.Addr()))
	return cache.NewRedisTenantLocker(client, local,
		cache.WithLockTTL(a.Config.Redis.LockTTL),
		cache.WithLockLogger(a.Logger),
	), nil
}

func (a *App) initMetrics(ctx context.Context) (appbilling.Metrics, error) {
	switch a.Config.Telemetry.MetricsBackend {
	case MetricsBackendPrometheus:
		prom := telemetry.NewPrometheusMetrics(telemetry.PrometheusConfig{RuntimeCollectors: true})
		sqlDB, err := a.DB.DB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		if err := prom.RegisterDBStats(sqlDB, a.Config.Database.DBName); err != nil {
			return nil, fmt.Errorf("register db stats: %w", err)
		}
		a.prometheus = prom
		return prom, nil
	case MetricsBackendOTLP:
		mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
			Enabled:           a.Config.Telemetry.Enabled,
			CollectorEndpoint: a.Config.Telemetry.CollectorEndpoint,
			ExportInterval:    a.Config.Telemetry.MetricsInterval,
			ServiceName:       a.Config.Telemetry.ServiceName,
			Insecure:          a.Config.Telemetry.Insecure,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		a.meter = mp
		metrics, err := telemetry.NewLedgerMetrics(mp.Meter("tokenledger/ledger"))
		if err != nil {
			return nil, fmt.Errorf("create ledger metrics: %w", err)
		}
		return metrics, nil
	default:
		return nil, nil
	}
}

// Start runs the event bus, the rollover sweep and, when Engine enabled
// rate limiting, the idle bucket sweep
func (a *App) Start(ctx context.Context) error {
	if err := a.Bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start rollover scheduler: %w", err)
	}
	if a.limiter != nil {
		sweepCtx, cancel := context.WithCancel(ctx)
		a.stopSweep = cancel
		go a.sweepLimiter(sweepCtx)
	}
	return nil
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Cleanup(); n > 0 {
				a.Logger.Debug("Dropped idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}

// Close stops background work, flushes pending saves and telemetry,
// closes the connections and finally flushes exported logs. It is safe on
// a partly built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopSweep != nil {
		a.stopSweep()
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop rollover scheduler: %w", err))
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.Bus != nil {
		if err := a.Bus.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop event bus: %w", err))
		}
	}
	if a.meter != nil {
		if err := a.meter.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.profiler != nil {
		if err := a.profiler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	// last, so shutdown logs above are exported
	if a.logs != nil {
		if err := a.logs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
