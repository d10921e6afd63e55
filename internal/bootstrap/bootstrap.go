// Package bootstrap builds the shared components every binary needs from a
// loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/api"
	"github.com/docchat/backend/internal/api/handlers"
	"github.com/docchat/backend/internal/cache/redis"
	"github.com/docchat/backend/internal/cleanup"
	"github.com/docchat/backend/internal/estimate"
	"github.com/docchat/backend/internal/ingestion"
	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/middleware/ratelimit"
	"github.com/docchat/backend/internal/queue"
	"github.com/docchat/backend/internal/status"
	"github.com/docchat/backend/internal/storage/sqlite"
	"github.com/docchat/backend/internal/vector/zilliz"
	"github.com/docchat/backend/internal/worker"
	"github.com/docchat/backend/internal/workspace"
	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

const (
	StatusBackendFile  = "file"
	StatusBackendRedis = "redis"
)

type App struct {
	Cfg      *config.Config
	Paths    workspace.Paths
	DB       *sqlite.Client
	Queue    *queue.Queue
	Statuses status.Store
	Records  *metrics.RecordLog
	Cleanup  *cleanup.Service

	redis   *redis.Client
	vectors *zilliz.Client
}

// New opens storage and wires the pipeline components. The vector store is
// only used when zilliz.endpoint is set; one that cannot be reached is logged
// and left out, and cleanup then keeps index rows for a later run.
func New(cfg *config.Config) (*App, error) {
	metrics.Init()

	paths := workspace.New(cfg.Workspace.Root)
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Cfg:     cfg,
		Paths:   paths,
		DB:      db,
		Queue:   queue.New(paths),
		Records: metrics.NewRecordLog(paths.MetricsLog(), cfg.Metrics.RotateBytes),
	}

	switch cfg.Status.Backend {
	case "", StatusBackendFile:
		a.Statuses = status.NewFileStore(paths.Status)
	case StatusBackendRedis:
		rc, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = rc
		a.Statuses = status.NewRedisStore(rc, cfg.Status.TTL())
	default:
		a.Close()
		return nil, fmt.Errorf("unknown status backend %q", cfg.Status.Backend)
	}

	var vectors cleanup.VectorStore
	if cfg.Zilliz.Endpoint != "" {
		zc, err := zilliz.NewClient(cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, time.Duration(cfg.Zilliz.TimeoutSec)*time.Second)
		if err != nil {
			logger.Warn("Vector store unavailable, cleanup will keep index records", zap.Error(err))
		} else {
			a.vectors = zc
			vectors = zc
		}
	}

	a.Cleanup = cleanup.NewService(db, vectors, a.Queue, a.Statuses, cleanup.Config{
		DefaultCollection: cfg.Zilliz.CollectionName,
		BatchSize:         cfg.Cleanup.BatchSize,
		SoftDelay:         time.Duration(cfg.Cleanup.SoftDelayDays) * 24 * time.Hour,
		PurgeDelay:        time.Duration(cfg.Cleanup.PurgeDelayDays) * 24 * time.Hour,
	})

	return a, nil
}

func (a *App) Processor() *ingestion.Processor {
	ic := a.Cfg.Ingestion
	parser := ingestion.NewParser(ic.ParserPath, ic.ParserArgs, ic.ParseTimeout(), a.Paths.Parsed, ic.PreviewBytes)
	return ingestion.NewProcessor(a.DB, a.Queue, a.Statuses, parser, ic)
}

func (a *App) Worker() *worker.Worker {
	wc := a.Cfg.Worker
	indexer := worker.NewExecIndexer(wc.IndexerPath, wc.IndexerArgs, wc.IndexTimeout())
	return worker.New(a.Queue, a.DB, a.Statuses, indexer, a.Records, a.Cleanup, a.Paths, worker.Config{
		DefaultCollection: a.Cfg.Zilliz.CollectionName,
		IdleSleep:         wc.IdleSleep(),
		StaleClaim:        wc.StaleClaim(),
		IndexTimeout:      wc.IndexTimeout(),
	})
}

func (a *App) Estimator() *estimate.Estimator {
	ec := a.Cfg.Estimator
	return estimate.New(a.Records, estimate.Config{
		DefaultSecPerMB: ec.DefaultSecPerMB,
		MinEstimateSec:  ec.MinEstimateSec,
		Window:          ec.Window(),
	})
}

// Router wires the HTTP API around processor, which the caller drains on
// shutdown.
func (a *App) Router(processor *ingestion.Processor, accessLog bool) (*fiber.App, *ratelimit.RateLimiter) {
	statusService := status.NewService(a.DB, a.Statuses)
	return api.NewRouter(api.Deps{
		Server:    a.Cfg.Server,
		Documents: handlers.NewDocumentHandler(processor, a.DB, a.Paths.Uploads),
		Status:    handlers.NewStatusHandler(statusService, a.Estimator()),
		Cancel:    handlers.NewCancelHandler(a.Cleanup, a.DB),
		WebSocket: handlers.NewWebSocketHandler(statusService, time.Duration(a.Cfg.Server.StatusPushIntervalMs)*time.Millisecond),
		Ready:     a.Ping,
		AccessLog: accessLog,
	})
}

// ResetStatuses drops every advisory status record of the configured backend.
func (a *App) ResetStatuses(ctx context.Context) (int, error) {
	r, ok := a.Statuses.(status.Resetter)
	if !ok {
		return 0, fmt.Errorf("status backend %q cannot be reset", a.Cfg.Status.Backend)
	}
	return r.ClearAll(ctx)
}

func (a *App) Ping(ctx context.Context) error {
	if err := a.DB.Ping(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		return a.redis.Ping(ctx)
	}
	return nil
}

func (a *App) Close() {
	if a.vectors != nil {
		a.vectors.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
