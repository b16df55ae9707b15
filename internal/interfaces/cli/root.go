// Package cli implements ledgerctl, an operator tool that works on the
// ledger store directly instead of going through the HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/tokenledger/internal/bootstrap"
	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const closeTimeout = 10 * time.Second

// Opener builds the application for one command run
type Opener func(ctx context.Context, configPath string, log *zap.Logger) (*bootstrap.App, error)

// DefaultOpener loads configuration from configPath and opens the store
// without telemetry
func DefaultOpener(ctx context.Context, configPath string, log *zap.Logger) (*bootstrap.App, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return bootstrap.New(ctx, cfg, log, bootstrap.WithoutTelemetry())
}

type rootOptions struct {
	configPath string
	tenant     string
	asJSON     bool
	logLevel   string
}

type session struct {
	opts   *rootOptions
	open   Opener
	app    *bootstrap.App
	logger *zap.Logger
}

// Execute runs ledgerctl with the process arguments
func Execute() error {
	return NewRootCmd(DefaultOpener).Execute()
}

// NewRootCmd builds the command tree. open is called by every subcommand
// that needs the store.
func NewRootCmd(open Opener) *cobra.Command {
	opts := &rootOptions{}
	s := &session{opts: opts, open: open}

	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and adjust tenant token ledgers",
		Long:          "ledgerctl reads and mutates tenant token ledgers in the configured store. Every change goes through the same rules as the API: rollover, replenishment and the audit trail.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default: ./config.toml)")
	flags.StringVar(&opts.tenant, "tenant", "", "Tenant ID (UUID)")
	flags.BoolVar(&opts.asJSON, "json", false, "Render JSON output")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSnapshotCmd(s),
		newUsageCmd(s),
		newPurchaseCmd(s),
		newRefundCmd(s),
		newKillswitchCmd(s),
		newAcknowledgeCmd(s),
		newRolloverCmd(s),
		newAddonsCmd(s),
		newEventsCmd(s),
	)

	return rootCmd
}

// run opens the application, calls fn and closes it again whatever fn
// returned
func (s *session) run(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) (err error) {
	app, err := s.ensure(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.close())
	}()
	return fn(cmd.Context(), app)
}

func (s *session) ensure(cmd *cobra.Command) (*bootstrap.App, error) {
	if s.app != nil {
		return s.app, nil
	}
	if s.logger == nil {
		log, err := logger.New(&logger.Config{
			Level:      s.opts.logLevel,
			Format:     "console",
			Output:     "stderr",
			TimeFormat: logger.DefaultTimeFormat,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		s.logger = log
	}
	app, err := s.open(cmd.Context(), s.opts.configPath, s.logger)
	if err != nil {
		return nil, err
	}
	s.app = app
	return app, nil
}

// close flushes pending saves so a one-shot command never drops a change
func (s *session) close() error {
	var errs []error
	if s.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		errs = append(errs, s.app.Close(ctx))
		s.app = nil
	}
	if s.logger != nil {
		errs = append(errs, logger.Sync(s.logger))
	}
	return errors.Join(errs...)
}

func (s *session) tenantID() (uuid.UUID, error) {
	if s.opts.tenant == "" {
		return uuid.Nil, errors.New("--tenant is required")
	}
	id, err := uuid.Parse(s.opts.tenant)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid --tenant %q: must be a non-nil UUID", s.opts.tenant)
	}
	return id, nil
}
