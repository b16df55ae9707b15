// Command migrate manages the PostgreSQL ledger schema.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/erp/tokenledger/internal/infrastructure/config"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/erp/tokenledger/internal/infrastructure/migration"
	"github.com/erp/tokenledger/migrations"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const usage = `Token ledger schema migrations

Usage:
  migrate [flags] <command> [argument]

Commands:
  up                Apply all pending migrations
  down              Roll back all migrations
  step <n>          Apply n migrations (negative n rolls back)
  version           Show the applied version
  force <version>   Mark version as applied without running it
  list              List available migrations

Flags:
  -path string        Migrations directory (default: built into the binary)
  -config string      Config file (default: ./config.toml)
  -log-level string   debug, info, warn or error (default: info)

Connection settings can be overridden with LEDGER_DATABASE_* variables.`

var errUsage = errors.New("invalid usage")

type options struct {
	path     string
	config   string
	logLevel string
}

func main() {
	var opts options
	flag.StringVar(&opts.path, "path", "", "Migrations directory")
	flag.StringVar(&opts.config, "config", "", "Config file")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	log, err := logger.New(&logger.Config{
		Level:      opts.logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: logger.DefaultTimeFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	err = run(opts, flag.Args(), log)
	_ = logger.Sync(log)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "%v\n\n%s\n", err, usage)
		os.Exit(2)
	case err != nil:
		log.Error("Migration failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, args []string, log *zap.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	command, arg := args[0], ""
	if len(args) > 1 {
		arg = args[1]
	}

	var source fs.FS = migrations.FS
	if opts.path != "" {
		source = os.DirFS(opts.path)
	}

	if command == "list" {
		names, err := migration.List(source)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		log.Info("Migrations available", zap.Int("count", len(names)))
		return nil
	}

	step, err := parseCommand(command, arg)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFrom(opts.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver is %q: sqlite schemas are created on start", cfg.Database.Driver)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	m, err := migration.New(db, source, log)
	if err != nil {
		return err
	}
	defer m.Close()

	return step(m, log)
}

type migrationStep func(m *migration.Migrator, log *zap.Logger) error

// parseCommand validates the command before any connection is made
func parseCommand(command, arg string) (migrationStep, error) {
	needInt := func() (int, error) {
		if arg == "" {
			return 0, fmt.Errorf("%w: %s needs a number", errUsage, command)
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q is not a number", errUsage, command, arg)
		}
		return n, nil
	}

	switch command {
	case "up":
		return func(m *migration.Migrator, _ *zap.Logger) error { return m.Up() }, nil
	case "down":
		return func(m *migration.Migrator, _ *zap.Logger) error { return m.Down() }, nil
	case "step":
		n, err := needInt()
		if err != nil {
			return nil, err
		}
		return func(m *migration.Migrator, _ *zap.Logger) error { return m.Steps(n) }, nil
	case "force":
		v, err := needInt()
		if err != nil {
			return nil, err
		}
		return func(m *migration.Migrator, log *zap.Logger) error {
			log.Warn("Forcing schema version", zap.Int("version", v))
			return m.Force(v)
		}, nil
	case "version":
		return func(m *migration.Migrator, log *zap.Logger) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			log.Info("Schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}
