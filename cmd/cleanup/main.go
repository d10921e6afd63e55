package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/robfig/cron"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/bootstrap"
	"github.com/docchat/backend/internal/cleanup"
	"github.com/docchat/backend/pkg/config"
	appLogger "github.com/docchat/backend/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("cleanup", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("workspace", "", "workspace root directory")
	sweep := flags.Bool("sweep", false, "clean every deleted document and purge old rows")
	resetStatus := flags.Bool("reset-status", false, "drop every processing status record")
	flags.String("schedule", "", `run the sweep on a cron schedule, e.g. "0 30 3 * * *" or "@every 1h"`)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cleanup [flags] [document_id ...]\n")
		flags.PrintDefaults()
	}
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

	ids, err := parseIDs(flags.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(ids) == 0 && !*sweep && !*resetStatus && cfg.Cleanup.Schedule == "" {
		flags.Usage()
		os.Exit(2)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case cfg.Cleanup.Schedule != "":
		if err := runScheduled(ctx, app.Cleanup, cfg.Cleanup.Schedule); err != nil {
			appLogger.Error("Invalid schedule", zap.String("schedule", cfg.Cleanup.Schedule), zap.Error(err))
			os.Exit(2)
		}
	case *resetStatus:
		removed, err := app.ResetStatuses(ctx)
		if err != nil {
			appLogger.Error("Status reset failed", zap.Error(err))
			os.Exit(1)
		}
		printJSON(map[string]any{"backend": cfg.Status.Backend, "removed": removed})
	case *sweep:
		result, err := app.Cleanup.Sweep(ctx)
		if err != nil {
			appLogger.Error("Sweep failed", zap.Error(err))
			os.Exit(1)
		}
		printJSON(result)
	default:
		summary, err := app.Cleanup.Cleanup(ctx, ids)
		if err != nil {
			appLogger.Error("Cleanup failed", zap.Error(err))
			os.Exit(1)
		}
		printJSON(summary)
		if !summary.OK {
			os.Exit(1)
		}
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid document id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runScheduled(ctx context.Context, svc *cleanup.Service, schedule string) error {
	c := cron.New()
	err := c.AddFunc(schedule, func() {
		if _, err := svc.Sweep(ctx); err != nil {
			appLogger.Error("Scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	appLogger.Info("Cleanup scheduler started", zap.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	c.Stop()
	appLogger.Info("Cleanup scheduler stopped")
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
