package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-queue/internal/api"
	"github.com/busybox42/elemta-queue/internal/cache"
	"github.com/busybox42/elemta-queue/internal/config"
	"github.com/busybox42/elemta-queue/internal/delivery"
	"github.com/busybox42/elemta-queue/internal/dsn"
	"github.com/busybox42/elemta-queue/internal/logging"
	"github.com/busybox42/elemta-queue/internal/metrics"
	"github.com/busybox42/elemta-queue/internal/queue"
	"github.com/busybox42/elemta-queue/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery queue",
		Long:  "Recover the queue from its store and deliver queued messages until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, closer, err := logging.Setup(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer closer.Close()

			for _, w := range cfg.Validate().Warnings {
				logger.Warn("Configuration warning", "field", w.Field, "message", w.Message)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// service is a running queue with everything it depends on.
type service struct {
	store     store.Store
	blobs     store.BlobStore
	cache     cache.Cache
	manager   *queue.Manager
	processor *queue.Processor
	api       *api.Server
	registry  *prometheus.Registry
	logger    *slog.Logger
}

// build wires the components described by cfg. Nothing is started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	svc := &service{logger: logger}

	hostname := cfg.Server.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname: %w", err)
		}
		hostname = h
		cfg.Server.Hostname = h
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	svc.store = st

	if cfg.Store.Driver == "memory" {
		svc.blobs = store.NewMemoryBlobStore()
	} else {
		blobs, err := store.NewFileBlobStore(cfg.Store.BlobDir)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		svc.blobs = blobs
	}

	svc.cache = connectCache(cfg.Resolver.Cache, logger)

	execCfg, err := cfg.ExecutorConfig()
	if err != nil {
		svc.close()
		return nil, err
	}
	resolver := delivery.NewDNSResolver(cfg.ResolverConfig(), nil, svc.cache, logger)
	executor := delivery.NewExecutor(execCfg, resolver, svc.blobs, logger)
	notifier := dsn.NewGenerator(hostname, svc.blobs, logger)

	opts := []queue.Option{queue.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		svc.registry = prometheus.NewRegistry()
		svc.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, queue.WithMetrics(metrics.New(svc.registry)))
	}

	svc.manager, err = queue.NewManager(cfg.ManagerConfig(), svc.store, svc.blobs, notifier, opts...)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.processor = queue.NewProcessor(svc.manager, executor, cfg.ProcessorConfig(), logger)

	if cfg.API.Enabled {
		var gatherer prometheus.Gatherer
		if svc.registry != nil {
			gatherer = svc.registry
		}
		svc.api = api.NewServer(cfg.APIServerConfig(), svc.manager, gatherer, logger)
	}
	return svc, nil
}

// connectCache connects the resolver cache. The queue runs without one when
// the backend is unreachable.
func connectCache(cfg cache.Config, logger *slog.Logger) cache.Cache {
	c, err := cache.Factory(cfg)
	if err != nil {
		logger.Warn("Resolver cache disabled", "error", err)
		return nil
	}
	if err := c.Connect(); err != nil {
		logger.Warn("Resolver cache unavailable, continuing without it",
			"type", c.Type(),
			"error", err,
		)
		return nil
	}
	return c
}

func (s *service) close() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close resolver cache", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Failed to close store", "error", err)
		}
	}
}

// run serves until ctx is cancelled, then shuts down within the configured
// grace period.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.processor.Start(ctx); err != nil {
		return err
	}
	if svc.api != nil {
		if err := svc.api.Start(); err != nil {
			_ = svc.processor.Stop(cfg.Queue.ShutdownGrace.Std())
			return err
		}
	}

	logger.Info("elemta-queue running",
		"hostname", cfg.Server.Hostname,
		"store", cfg.Store.Driver,
		"config", describePath(cfg.Path),
	)
	<-ctx.Done()
	logger.Info("Shutting down")

	var errs []error
	if svc.api != nil {
		if err := svc.api.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop API server: %w", err))
		}
	}
	if err := svc.processor.Stop(cfg.Queue.ShutdownGrace.Std()); err != nil {
		errs = append(errs, fmt.Errorf("stop queue processor: %w", err))
	}
	return errors.Join(errs...)
}
