package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ballee/entsync/internal/config"
	"github.com/ballee/entsync/internal/destination"
	"github.com/ballee/entsync/internal/mapping"
	"github.com/ballee/entsync/internal/migrate"
	"github.com/ballee/entsync/internal/source"
	"github.com/ballee/entsync/internal/syncrun"
)

// App carries the process-wide dependencies every command shares.
// Configuration is resolved and validated once, before any command body
// runs; connections are opened once per invocation.
type App struct {
	cfg *config.Config
	log *logrus.Logger
}

// Execute runs the CLI. The returned error is fatal and the caller
// exits nonzero; per-record failures are summarized inside the run and
// never surface here.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{}
	root := &cobra.Command{
		Use:           "entsync",
		Short:         "Migrate and synchronize legacy documents into the relational store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve()
		if err != nil {
			return err
		}
		app.cfg = cfg
		app.log = newLogger(cfg.Log)
		return nil
	}
	root.AddCommand(migrateCommand(app), validateCommand(app), runsCommand(app), diagnoseCommand(app))
	return root.ExecuteContext(ctx)
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	return log
}

// stores bundles the handles and engine components one command needs.
type stores struct {
	src     *source.Client
	dst     *destination.DB
	cache   *mapping.Cache
	tracker *syncrun.Tracker
}

// withStores connects to both stores, prepares the engine-owned state
// tables, runs fn, and tears everything down.
func (a *App) withStores(ctx context.Context, fn func(context.Context, *stores) error) error {
	src, err := source.Connect(ctx, a.cfg.Source, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close(context.Background()) }()

	dst, err := destination.Open(ctx, a.cfg.Destination, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	if err := dst.EnsureSyncSchema(ctx); err != nil {
		return err
	}

	return fn(ctx, &stores{
		src:     src,
		dst:     dst,
		cache:   mapping.New(dst.SQL, dst, a.log),
		tracker: syncrun.New(dst.SQL, a.log),
	})
}

func (a *App) newRunner(s *stores, dryRun bool) *migrate.Runner {
	return migrate.NewRunner(s.tracker, a.log, migrate.Options{DryRun: dryRun})
}
