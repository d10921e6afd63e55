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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docchat/backend/internal/bootstrap"
	"github.com/docchat/backend/internal/worker"
	"github.com/docchat/backend/pkg/config"
	appLogger "github.com/docchat/backend/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("workspace", "", "workspace root directory")
	flags.Int("max-jobs", 0, "stop after this many jobs in one-shot mode (0 = whole queue)")
	flags.Bool("daemon", false, "keep polling the queue until interrupted")
	flags.Int("concurrency", 1, "jobs processed in parallel")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	app, err := bootstrap.New(cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Worker.MetricsAddr != "" {
		srv := serveMetrics(cfg.Worker.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	w := app.Worker()
	concurrency := max(1, cfg.Worker.Concurrency)

	if !cfg.Worker.Daemon {
		runOnce(ctx, w, cfg.Worker.MaxJobs)
		return
	}

	appLogger.Info("Worker daemon started",
		zap.Int("concurrency", concurrency),
		zap.String("queue", app.Paths.Queue),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		ww := w.WithLogger(appLogger.With(zap.Int("worker", i)))
		g.Go(func() error {
			return ww.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		appLogger.Error("Worker stopped with error", zap.Error(err))
		os.Exit(1)
	}
	appLogger.Info("Worker daemon stopped")
}

func runOnce(ctx context.Context, w *worker.Worker, maxJobs int) {
	w.RecoverStale()
	stats, err := w.RunOnce(ctx, maxJobs)
	if err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Worker pass failed", zap.Error(err))
		os.Exit(1)
	}
	appLogger.Info("Worker pass finished",
		zap.Int("processed", stats.Processed),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
	)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
