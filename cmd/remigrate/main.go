// Package main provides the remigrate command line entry point.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/thebtf/remigrate/internal/config"
	"github.com/thebtf/remigrate/internal/db"
	"github.com/thebtf/remigrate/internal/db/gormstore"
	"github.com/thebtf/remigrate/internal/db/sqlstore"
	"github.com/thebtf/remigrate/internal/reconcile"
	"github.com/thebtf/remigrate/internal/source"
	"github.com/thebtf/remigrate/internal/watch"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		if err := cmdRun(nil); err != nil {
			log.Fatal().Err(err).Msg("Command failed")
		}
		return
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "watch":
		err = cmdWatch(os.Args[2:])
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `remigrate reconciles a directory of numbered SQL migrations with a database.

Usage:
  remigrate <command> [flags]

Commands:
  run      reconcile the database with the migration directory once (default)
  status   print the pending reconciliation plan as JSON without executing it
  watch    run continuously, reconciling whenever the directory changes
  version  print the version

Flags (all commands):
  -config string   path to a YAML config file (default "remigrate.yaml" if present)
  -dir string      migration source directory
  -table string    ledger table name
  -driver string   database backend: sqlite, postgres, or gorm-postgres
  -dsn string      database connection string
  -check-hash      audit recorded content hashes before reconciling
  -validate-down   self-test every down script while applying
  -force string    "last" rolls back and reapplies the newest migration
  -debounce int    watch quiet period in milliseconds
  -debug           enable debug logging
`)
}

// parseFlags loads the layered configuration and applies explicitly-set
// command line flags on top.
func parseFlags(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config file")
	dir := fs.String("dir", "", "migration source directory")
	table := fs.String("table", "", "ledger table name")
	driver := fs.String("driver", "", "database backend")
	dsn := fs.String("dsn", "", "database connection string")
	checkHash := fs.Bool("check-hash", false, "audit recorded content hashes")
	validateDown := fs.Bool("validate-down", false, "self-test down scripts on apply")
	force := fs.String("force", "", `"last" redoes the newest migration`)
	debounce := fs.Int("debounce", 0, "watch quiet period in milliseconds")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			cfg.Dir = *dir
		case "table":
			cfg.Table = *table
		case "driver":
			cfg.Driver = *driver
		case "dsn":
			cfg.DSN = *dsn
		case "check-hash":
			cfg.CheckHash = *checkHash
		case "validate-down":
			cfg.ValidateDown = *validateDown
		case "force":
			cfg.Force = *force
		case "debounce":
			cfg.Debounce = *debounce
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ledgerFactory returns a constructor for per-run ledger sessions plus a
// cleanup for the shared pool. Each reconciliation run consumes one session;
// the pool outlives it so watch mode can keep going.
func ledgerFactory(cfg *config.Config) (func(context.Context) (db.Ledger, error), func(), error) {
	if cfg.Driver == "gorm-postgres" {
		factory := func(context.Context) (db.Ledger, error) {
			return gormstore.New(gormstore.Options{DSN: cfg.DSN, Table: cfg.Table})
		}
		return factory, func() {}, nil
	}

	driver, dialect := "sqlite", sqlstore.DialectSQLite
	if cfg.Driver == "postgres" {
		driver, dialect = "pgx", sqlstore.DialectPostgres
	}

	pool, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite serializes writers anyway; a single connection avoids
		// SQLITE_BUSY between the ledger session and the pool.
		pool.SetMaxOpenConns(1)
	}

	factory := func(ctx context.Context) (db.Ledger, error) {
		return sqlstore.New(ctx, sqlstore.Options{Pool: pool, Table: cfg.Table, Dialect: dialect})
	}
	return factory, func() { _ = pool.Close() }, nil
}

func runnerOptions(cfg *config.Config) reconcile.Options {
	return reconcile.Options{
		CheckHash:    cfg.CheckHash,
		ValidateDown: cfg.ValidateDown,
		Force:        cfg.ForceMode(),
	}
}

func cmdRun(args []string) error {
	cfg, err := parseFlags("run", args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	newLedger, cleanup, err := ledgerFactory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ledger, err := newLedger(ctx)
	if err != nil {
		return err
	}
	return reconcile.NewRunner(ledger, source.NewLoader(cfg.Dir), runnerOptions(cfg)).Run(ctx)
}

// statusReport is the JSON shape printed by the status command.
type statusReport struct {
	Driver  string          `json:"driver"`
	Table   string          `json:"table"`
	Dir     string          `json:"dir"`
	InSync  bool            `json:"in_sync"`
	Pending *reconcile.Plan `json:"pending"`
}

func cmdStatus(args []string) error {
	cfg, err := parseFlags("status", args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	newLedger, cleanup, err := ledgerFactory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ledger, err := newLedger(ctx)
	if err != nil {
		return err
	}
	plan, err := reconcile.NewRunner(ledger, source.NewLoader(cfg.Dir), runnerOptions(cfg)).Plan(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(statusReport{
		Driver:  cfg.Driver,
		Table:   cfg.Table,
		Dir:     cfg.Dir,
		InSync:  plan.Empty(),
		Pending: plan,
	})
}

func cmdWatch(args []string) error {
	cfg, err := parseFlags("watch", args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	newLedger, cleanup, err := ledgerFactory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	reconcileOnce := func(ctx context.Context) error {
		ledger, err := newLedger(ctx)
		if err != nil {
			return err
		}
		return reconcile.NewRunner(ledger, source.NewLoader(cfg.Dir), runnerOptions(cfg)).Run(ctx)
	}

	// Reconcile once up front so the watcher starts from a clean state.
	if err := reconcileOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Initial reconciliation failed, watching anyway")
	}

	w, err := watch.New(cfg.Dir, time.Duration(cfg.Debounce)*time.Millisecond, reconcileOnce)
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info().Msg("Watcher stopped")
	return nil
}
