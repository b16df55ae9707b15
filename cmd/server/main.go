package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/erp/tokenledger/internal/bootstrap"
	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"go.uber.org/zap"
)

//go:generate swag init -g main.go -d ./,../../internal/interfaces/http -o ../../docs

//	@title			Token Ledger API
//	@version		1.0
//	@description	Per-tenant token usage ledger with add-on packs and automatic top-up.

//	@BasePath	/api/v1

func main() {
	configPath := flag.String("config", "", "Path to config file (default: search ./config.toml, ./config, /etc/tokenledger)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: logger.DefaultTimeFormat,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting token ledger",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis_lock", cfg.Redis.Enabled),
		zap.String("metrics", cfg.Telemetry.MetricsBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	// teed into the collector when log export is enabled
	log = app.Logger

	engine, err := app.Engine()
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start background workers", zap.Error(err))
	}

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serverErr:
		log.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Requests are drained; flush ledgers still waiting on a save
	if pending := app.Ledger.PendingSaves(); pending > 0 {
		log.Warn("Flushing unsaved ledgers", zap.Int("pending", pending))
	}
	if err := app.Close(shutdownCtx); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
		_ = logger.Sync(log)
		os.Exit(1)
	}

	log.Info("Server exited gracefully")
}
