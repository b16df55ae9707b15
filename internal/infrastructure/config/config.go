package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Ledger    LedgerConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string // Used when Driver is sqlite; ":memory:" for tests
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool // Enables the cross-instance tenant lock
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxHeaderBytes   int
	MaxBodySize      int64
	RateLimitEnabled bool
	RateLimitRPS     float64 // Sustained requests per second per tenant
	RateLimitBurst   int
	TrustedProxies   []string
	SwaggerEnabled   bool // Serve the API docs under /swagger, on unless set false
}

// AddonConfig describes one purchasable pack
type AddonConfig struct {
	ID              string `mapstructure:"id" validate:"required,max=64"`
	Name            string `mapstructure:"name" validate:"required"`
	TokenCount      int64  `mapstructure:"token_count" validate:"gt=0"`
	PriceMinorUnits int64  `mapstructure:"price_minor_units" validate:"gte=0"`
	Description     string `mapstructure:"description"`
}

// Usage delta limits. UsageDeltaCeiling matches the bound enforced on
// POST /ledger/usage bodies.
const (
	DefaultMaxUsageDelta int64 = 10_000_000
	UsageDeltaCeiling    int64 = 1_000_000_000
)

// LedgerConfig holds token ledger settings
type LedgerConfig struct {
	Addons               []AddonConfig
	AutoTopUpAddon       string
	Tiers                map[string]int64  // Tier name -> base plan allowance
	DefaultTier          string
	TenantTiers          map[string]string // Tenant UUID -> tier name
	StoreTimeout         time.Duration
	LockTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsedTime  time.Duration // 0 = retry until shutdown
	RolloverInterval     time.Duration
	PeriodTimezone       string // IANA name, e.g. "UTC" or "Asia/Tokyo"
	MaxUsageDelta        int64  // Largest usage accepted in one call
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry tracing
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsBackend    string  // otlp, prometheus, or none
	MetricsInterval   time.Duration
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)

	// Log export: tee zap output to the collector over OTLP
	LogsEnabled bool

	// Continuous profiling (Pyroscope)
	ProfilingEnabled       bool
	ProfilingServerAddress string
	ProfilingBasicAuthUser string
	ProfilingBasicAuthPass string
	ProfileTypes           []string // cpu, alloc_space, inuse_space, goroutines, mutex_count, ...
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with LEDGER_ prefix (e.g., LEDGER_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit config file; an empty path searches
// the default locations.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tokenledger")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			RateLimitEnabled: v.GetBool("http.rate_limit_enabled"),
			RateLimitRPS:     v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst:   v.GetInt("http.rate_limit_burst"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
			SwaggerEnabled:   !v.IsSet("http.swagger_enabled") || v.GetBool("http.swagger_enabled"),
		},
		Ledger: LedgerConfig{
			AutoTopUpAddon:       v.GetString("ledger.auto_top_up_addon"),
			DefaultTier:          v.GetString("ledger.default_tier"),
			TenantTiers:          v.GetStringMapString("ledger.tenant_tiers"),
			StoreTimeout:         v.GetDuration("ledger.store_timeout"),
			LockTimeout:          v.GetDuration("ledger.lock_timeout"),
			RetryInitialInterval: v.GetDuration("ledger.retry_initial_interval"),
			RetryMaxInterval:     v.GetDuration("ledger.retry_max_interval"),
			RetryMaxElapsedTime:  v.GetDuration("ledger.retry_max_elapsed_time"),
			RolloverInterval:     v.GetDuration("ledger.rollover_interval"),
			PeriodTimezone:       v.GetString("ledger.period_timezone"),
			MaxUsageDelta:        v.GetInt64("ledger.max_usage_delta"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsBackend:    v.GetString("telemetry.metrics_backend"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),

			ProfilingEnabled:       v.GetBool("telemetry.profiling_enabled"),
			ProfilingServerAddress: v.GetString("telemetry.profiling_server_address"),
			ProfilingBasicAuthUser: v.GetString("telemetry.profiling_basic_auth_user"),
			ProfilingBasicAuthPass: v.GetString("telemetry.profiling_basic_auth_password"),
			ProfileTypes:           v.GetStringSlice("telemetry.profile_types"),
		},
	}

	if err := v.UnmarshalKey("ledger.addons", &cfg.Ledger.Addons); err != nil {
		return nil, fmt.Errorf("error reading ledger.addons: %w", err)
	}
	if err := v.UnmarshalKey("ledger.tiers", &cfg.Ledger.Tiers); err != nil {
		return nil, fmt.Errorf("error reading ledger.tiers: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "tokenledger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "tokenledger"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "tokenledger.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRPS == 0 {
		cfg.HTTP.RateLimitRPS = 50
	}
	if cfg.HTTP.RateLimitBurst == 0 {
		cfg.HTTP.RateLimitBurst = 100
	}
	if len(cfg.Ledger.Addons) == 0 {
		cfg.Ledger.Addons = DefaultAddons()
	}
	if cfg.Ledger.AutoTopUpAddon == "" {
		cfg.Ledger.AutoTopUpAddon = "tokens_50k"
	}
	if len(cfg.Ledger.Tiers) == 0 {
		cfg.Ledger.Tiers = map[string]int64{
			"free":       100_000,
			"pro":        1_000_000,
			"enterprise": 10_000_000,
		}
	}
	if cfg.Ledger.DefaultTier == "" {
		cfg.Ledger.DefaultTier = "free"
	}
	if cfg.Ledger.StoreTimeout == 0 {
		cfg.Ledger.StoreTimeout = 3 * time.Second
	}
	if cfg.Ledger.LockTimeout == 0 {
		cfg.Ledger.LockTimeout = 10 * time.Second
	}
	if cfg.Ledger.RetryInitialInterval == 0 {
		cfg.Ledger.RetryInitialInterval = 500 * time.Millisecond
	}
	if cfg.Ledger.RetryMaxInterval == 0 {
		cfg.Ledger.RetryMaxInterval = 30 * time.Second
	}
	if cfg.Ledger.RolloverInterval == 0 {
		cfg.Ledger.RolloverInterval = time.Hour
	}
	if cfg.Ledger.PeriodTimezone == "" {
		cfg.Ledger.PeriodTimezone = "UTC"
	}
	if cfg.Ledger.MaxUsageDelta == 0 {
		cfg.Ledger.MaxUsageDelta = DefaultMaxUsageDelta
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "tokenledger"
	}
	if cfg.Telemetry.MetricsBackend == "" {
		cfg.Telemetry.MetricsBackend = "prometheus"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 30 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.ProfilingServerAddress == "" {
		cfg.Telemetry.ProfilingServerAddress = "http://localhost:4040"
	}
}

// DefaultAddons returns the stock pack line-up used when none is configured
func DefaultAddons() []AddonConfig {
	return []AddonConfig{
		{ID: "tokens_10k", Name: "10K Tokens", TokenCount: 10_000, PriceMinorUnits: 500, Description: "Small top-up for occasional overage"},
		{ID: "tokens_50k", Name: "50K Tokens", TokenCount: 50_000, PriceMinorUnits: 2_000, Description: "Standard pack, used for automatic top-ups"},
		{ID: "tokens_250k", Name: "250K Tokens", TokenCount: 250_000, PriceMinorUnits: 8_000, Description: "Bulk pack for heavy automation workloads"},
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.HTTP.RateLimitRPS < 0 || c.HTTP.RateLimitBurst < 0 {
		return fmt.Errorf("http.rate_limit_rps and http.rate_limit_burst cannot be negative")
	}

	if err := c.Ledger.validate(); err != nil {
		return err
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.Driver == "postgres" && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	switch c.Telemetry.MetricsBackend {
	case "otlp", "prometheus", "none":
	default:
		return fmt.Errorf("telemetry.metrics_backend must be otlp, prometheus or none, got %q", c.Telemetry.MetricsBackend)
	}
	if c.Telemetry.ProfilingEnabled {
		if u, err := url.Parse(c.Telemetry.ProfilingServerAddress); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("telemetry.profiling_server_address must be an absolute URL, got %q", c.Telemetry.ProfilingServerAddress)
		}
	}

	return nil
}

func (l *LedgerConfig) validate() error {
	validate := validator.New()
	seen := make(map[string]struct{}, len(l.Addons))
	for i, addon := range l.Addons {
		if err := validate.Struct(addon); err != nil {
			return fmt.Errorf("ledger.addons[%d]: %w", i, err)
		}
		if _, dup := seen[addon.ID]; dup {
			return fmt.Errorf("ledger.addons: duplicate id %q", addon.ID)
		}
		seen[addon.ID] = struct{}{}
	}
	if _, ok := seen[l.AutoTopUpAddon]; !ok {
		return fmt.Errorf("ledger.auto_top_up_addon %q is not a configured add-on", l.AutoTopUpAddon)
	}

	if _, ok := l.Tiers[l.DefaultTier]; !ok {
		return fmt.Errorf("ledger.default_tier %q is not a configured tier", l.DefaultTier)
	}
	for tier, allowance := range l.Tiers {
		if allowance < 0 {
			return fmt.Errorf("ledger.tiers.%s cannot be negative", tier)
		}
	}

	if _, err := l.TenantTierAssignments(); err != nil {
		return err
	}

	if _, err := time.LoadLocation(l.PeriodTimezone); err != nil {
		return fmt.Errorf("ledger.period_timezone: %w", err)
	}
	if l.StoreTimeout <= 0 || l.LockTimeout <= 0 {
		return fmt.Errorf("ledger.store_timeout and ledger.lock_timeout must be positive")
	}
	if l.MaxUsageDelta <= 0 || l.MaxUsageDelta > UsageDeltaCeiling {
		return fmt.Errorf("ledger.max_usage_delta must be between 1 and %d", UsageDeltaCeiling)
	}
	if l.RetryMaxInterval < l.RetryInitialInterval {
		return fmt.Errorf("ledger.retry_max_interval (%s) cannot be below ledger.retry_initial_interval (%s)",
			l.RetryMaxInterval, l.RetryInitialInterval)
	}
	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
