package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/image-resize-api/internal/api"
	"github.com/dunamismax/image-resize-api/internal/config"
	"github.com/dunamismax/image-resize-api/internal/logging"
	"github.com/dunamismax/image-resize-api/internal/pipeline"
	"github.com/dunamismax/image-resize-api/internal/storage"
	"github.com/dunamismax/image-resize-api/internal/telemetry"
	"github.com/dunamismax/image-resize-api/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "image-resize-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Directory: cfg.Log.Directory,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.TraceConfig(), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(cfg.Worker.RuntimeConfig()); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	source, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}
	processor, err := pipeline.NewProcessor(source, cfg.Transform.Limits())
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool := worker.NewPool(worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		Timeout:     cfg.Worker.Timeout,
	}, registry)
	app := api.NewServer(logger, processor, pool, registry)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	serveErr := make(chan error, 2)
	go listen(logger, httpServer, "api", serveErr)
	if metricsServer != nil {
		go listen(logger, metricsServer, "metrics", serveErr)
	}

	logger.WithFields(logrus.Fields{
		"addr":            httpServer.Addr,
		"image_directory": cfg.ImageDirectory,
		"source":          cfg.Source.Backend,
		"workers":         pool.Size(),
		"engine":          pipeline.Engine,
		"worker_timeout":  cfg.Worker.Timeout.String(),
	}).Info("image resize api started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.WithError(err).Error("listener failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("metrics shutdown failed")
		}
	}
	return nil
}

func listen(logger *logrus.Logger, srv *http.Server, name string, errs chan<- error) {
	logger.WithField("listener", name).Infof("listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s listener: %w", name, err)
	}
}

func newSource(ctx context.Context, cfg config.Config) (pipeline.Source, error) {
	if cfg.Source.Backend != config.BackendS3 {
		return pipeline.LocalSource{Root: cfg.ImageDirectory}, nil
	}

	client, err := storage.NewClient(cfg.Source.S3.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.CheckBucket(checkCtx); err != nil {
		return nil, fmt.Errorf("check object storage: %w", err)
	}

	return pipeline.ObjectStoreSource{Storage: client, Prefix: cfg.Source.S3.Prefix}, nil
}
