package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goclaw/mnemos/config"
	"github.com/goclaw/mnemos/pkg/api"
	"github.com/goclaw/mnemos/pkg/api/handlers"
	"github.com/goclaw/mnemos/pkg/logger"
	"github.com/goclaw/mnemos/pkg/memory"
	"github.com/goclaw/mnemos/pkg/metrics"
	"github.com/goclaw/mnemos/pkg/telemetry/tracing"
	"github.com/goclaw/mnemos/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.serve(ctx)
		},
	}
}

func (o *rootOptions) serve(ctx context.Context) error {
	cfg, log := o.cfg, o.log
	log.Info("starting mnemos",
		"build", version.Get().String(),
		"environment", cfg.App.Environment,
		"data_dir", cfg.Storage.DataDir,
		"config_file", o.source,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	m := metrics.NewManager(metrics.ConfigFrom(cfg.Metrics))
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.ServiceFrom(cfg.App),
		tracing.WithFailureRecorder(m),
		tracing.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	r, err := o.openWith(ctx, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Error("error closing engine", "error", err)
		}
	}()

	if r.metrics.Enabled() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := r.metrics.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	var (
		scheduler *memory.Scheduler
		probe     handlers.SchedulerProbe
	)
	if cfg.Scheduler.Enabled {
		var bm *memory.BackupManager
		if cfg.Backup.Enabled {
			bm = r.backupManager()
		}
		if scheduler, err = memory.NewScheduler(r.engine, bm, memory.SchedulerOptionsFrom(cfg)); err != nil {
			return err
		}
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
		probe = scheduler
	}

	if o.source != "" {
		o.watchConfig(ctx, r)
	}

	serverErr := make(chan error, 1)
	var httpServer *api.HTTPServer
	if cfg.Server.Enabled {
		httpServer = api.NewHTTPServer(cfg, log, &api.Handlers{
			Health:         handlers.NewHealthHandler(r.engine, probe, version.Version),
			Memory:         handlers.NewMemoryHandler(r.engine, log),
			Metrics:        r.metrics,
			MetricsHandler: r.metrics.Handler(),
		})
		go func() {
			log.Info("starting HTTP server", "address", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
			if err := httpServer.Start(); err != nil {
				serverErr <- err
			}
		}()
	}

	log.Info("mnemos is running", "http", cfg.Server.Enabled, "scheduler", cfg.Scheduler.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serverErr:
		log.Error("HTTP server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpServer != nil {
		log.Info("shutting down HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	log.Info("mnemos stopped")
	return runErr
}

// watchConfig applies log level and fusion changes from the config file
// to the running engine.
func (o *rootOptions) watchConfig(ctx context.Context, r *runtime) {
	log := o.log
	w, err := config.NewWatcher(o.source,
		config.WithOverrides(o.overrides()),
		config.WithErrorHandler(func(err error) {
			log.Warn("config reload failed", "error", err)
		}),
	)
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
		return
	}

	var mu sync.Mutex
	current := config.ExtractHotReloadable(o.cfg)
	w.OnChange(func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		next := config.ExtractHotReloadable(cfg)
		if !next.Changed(current) {
			return
		}
		if next.LogLevel != current.LogLevel && !o.debug {
			log.SetLevel(logger.ParseLevel(next.LogLevel))
		}
		r.engine.SetFusionConfig(memory.FusionConfigFrom(cfg.Retrieval))
		log.Info("configuration reloaded",
			"log_level", next.LogLevel,
			"relevance_weight", next.RelevanceWeight,
			"importance_weight", next.ImportanceWeight,
			"recency_weight", next.RecencyWeight,
		)
		current = next
	})

	go func() {
		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
}
