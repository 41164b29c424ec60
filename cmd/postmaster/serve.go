package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/gotrs-postmaster/internal/config"
	"github.com/gotrs-io/gotrs-postmaster/internal/httpserver"
	"github.com/gotrs-io/gotrs-postmaster/internal/notifications"
)

const relayBatch = 100

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled mail poller",
	Long: `Serve polls every due queue on the configured cron schedule until
interrupted. It exposes health, readiness, queue status and metrics over
HTTP when http.enabled is set, and applies configuration edits to queues
and ignore rules without a restart.`,
	RunE: runServe,
}

var noMigrateFlag bool

func init() {
	serveCmd.Flags().BoolVar(&noMigrateFlag, "no-migrate", false, "Skip applying pending schema migrations on startup")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loader.Config()
	a, err := newApp(ctx, cfg, log, !noMigrateFlag)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn("shutdown: closing connections", zap.Error(cerr))
		}
	}()

	loader.Watch(func(next *config.Config) {
		a.reload(ctx, next)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })

	if a.outbox != nil && cfg.Notifier.RelayInterval > 0 {
		if len(a.relay) > 0 {
			relay := notifications.NewRelay(a.outbox, a.relay, relayBatch, log)
			g.Go(func() error { return relay.Run(gctx, cfg.Notifier.RelayInterval) })
		} else {
			log.Warn("notification outbox enabled without a broker backend; entries stay pending")
		}
	}

	if cfg.HTTP.Enabled {
		deps := httpserver.Deps{
			DB:        a.db,
			Status:    a.status,
			Scheduler: a.scheduler,
			Logger:    log,
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = a.metrics.Handler()
			deps.MetricsPath = cfg.Metrics.Path
		}
		srv := httpserver.NewServer(cfg.HTTP.Addr, httpserver.NewRouter(deps), cfg.HTTP.ReadTimeout, cfg.HTTP.ShutdownTimeout, log)
		g.Go(func() error { return srv.Run(gctx) })
	}

	log.Info("postmaster started",
		zap.String("version", version),
		zap.Int("queues", len(cfg.ActiveQueues())),
		zap.String("schedule", cfg.Mail.Schedule))

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("postmaster stopped")
	return nil
}
