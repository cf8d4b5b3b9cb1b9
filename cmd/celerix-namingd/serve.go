package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-naming/internal/api"
	"github.com/celerix-dev/celerix-naming/internal/backup"
	"github.com/celerix-dev/celerix-naming/internal/config"
	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/internal/keepalive"
	"github.com/celerix-dev/celerix-naming/internal/metrics"
	"github.com/celerix-dev/celerix-naming/internal/scheduler"
	"github.com/celerix-dev/celerix-naming/internal/server"
	"github.com/celerix-dev/celerix-naming/internal/vault"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the naming server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err = newLogger(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			if !cfg.Log.Development && !debug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	key, err := cfg.BackupKey()
	if err != nil {
		return err
	}

	logger.Info("starting naming server",
		zap.String("label", cfg.Server.Label),
		zap.String("addr", cfg.Server.Addr),
		zap.String("liveness", string(policy.Mode)),
		zap.Duration("timeout", policy.Timeout),
		zap.Duration("grace", policy.Grace),
		zap.String("backup", cfg.Backup.Driver))
	if cfg.Server.AdminSecret == "" {
		logger.Warn("no admin secret configured, destructive operations are disabled")
	}

	var collector *metrics.Collector
	promReg := prometheus.NewRegistry()
	if cfg.MetricsOn() {
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if collector, err = metrics.New(promReg, ""); err != nil {
			return err
		}
	}

	local, err := engine.NewPersistence(cfg.Storage.DataDir, cfg.Storage.SnapshotFile)
	if err != nil {
		return err
	}

	blob, closeBlob := openBackupStore(cfg, logger)
	defer closeBlob()

	var backuper *backup.Backuper
	if blob != nil {
		opts := []backup.Option{
			backup.WithEncryptionKey(key),
			backup.WithTimeout(cfg.Backup.Timeout),
			backup.WithLogger(logger.Named("backup")),
		}
		if collector != nil {
			opts = append(opts, backup.WithMetrics(collector))
		}
		backuper = backup.New(blob, local, cfg.Server.Label, opts...)
	}

	var remote engine.RemoteSource
	if backuper != nil {
		remote = backuper
	}
	restoreCtx, cancel := context.WithTimeout(ctx, cfg.Backup.RestoreTimeout)
	restored := engine.Restore(restoreCtx, remote, local, logger, time.Now())
	cancel()

	regOpts := []engine.Option{
		engine.WithPolicy(policy),
		engine.WithLogger(logger.Named("registry")),
		engine.WithServerLabel(cfg.Server.Label),
	}
	if collector != nil {
		regOpts = append(regOpts, engine.WithMetrics(collector))
	}
	if backuper != nil {
		regOpts = append(regOpts, engine.WithAllocationHook(backuper.Trigger))
	}
	registry := engine.NewRegistry(restored.Snapshot, local, regOpts...)
	if err := registry.Flush(); err != nil {
		logger.Warn("initial local snapshot failed", zap.Error(err))
	}

	sched := scheduler.New(logger.Named("scheduler"))
	for _, t := range backgroundTasks(cfg, policy, registry, backuper, logger) {
		sched.Add(t)
	}

	h := &api.Handler{
		Store:       registry,
		Policy:      policy,
		AdminSecret: cfg.Server.AdminSecret,
		Label:       cfg.Server.Label,
		Logger:      logger.Named("api"),
	}
	if backuper != nil {
		h.Backup = backuper
	}
	var metricsHandler http.Handler
	if cfg.MetricsOn() {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg})
	}

	srv := server.New(api.NewRouter(h, metricsHandler, cfg.Metrics.Path), logger.Named("http"))
	if cfg.Server.TLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return err
		}
		srv.SetCertificate(cert)
		logger.Info("TLS enabled with a self-signed certificate")
	}

	sched.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		sched.Stop()

		if err := registry.Flush(); err != nil {
			logger.Error("final local snapshot failed", zap.Error(err))
		}
		if backuper != nil {
			if err := backuper.Backup(stopCtx); err != nil {
				logger.Error("final remote backup failed", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("naming server stopped")
	return nil
}

// backgroundTasks lists the periodic work of a running server. backuper may
// be nil when no remote store is configured.
func backgroundTasks(cfg *config.Config, policy engine.Policy, registry *engine.Registry, backuper *backup.Backuper, logger *zap.Logger) []scheduler.Task {
	tasks := []scheduler.Task{{
		Name:     "sweep",
		Interval: policy.SweepInterval,
		Run:      func(context.Context) { registry.Sweep() },
	}}
	if backuper != nil {
		tasks = append(tasks, scheduler.Task{
			Name:         "backup",
			Interval:     cfg.Backup.Interval,
			InitialDelay: cfg.Backup.InitialDelay,
			Kick:         backuper.Kicks(),
			Run:          backuper.Run,
		})
	}
	if cfg.KeepAliveOn() {
		pinger := keepalive.New(cfg.Server.PublicURL, &http.Client{Timeout: cfg.KeepAlive.Timeout}, logger.Named("keepalive"))
		tasks = append(tasks, scheduler.Task{
			Name:         "keepalive",
			Interval:     cfg.KeepAlive.Interval,
			InitialDelay: cfg.KeepAlive.InitialDelay,
			Run:          pinger.Run,
		})
	}
	return tasks
}

// openBackupStore returns the configured remote store, or nil when backups are
// off. It does no I/O: a store that is unreachable now is retried by every
// backup and by the boot restore.
func openBackupStore(cfg *config.Config, logger *zap.Logger) (backup.BlobStore, func()) {
	noop := func() {}
	switch cfg.Backup.Driver {
	case config.BackupNATS:
		obs := backup.NewLazyObjectStore(cfg.Backup.NATSURL, cfg.Backup.Bucket)
		return obs, func() { _ = obs.Close() }
	case config.BackupDir:
		d, err := backup.NewDirStore(cfg.Backup.Dir)
		if err != nil {
			logger.Warn("backup directory unavailable, writes will retry",
				zap.String("dir", cfg.Backup.Dir),
				zap.Error(err))
			return &backup.DirStore{Root: cfg.Backup.Dir}, noop
		}
		return d, noop
	default:
		return nil, noop
	}
}
