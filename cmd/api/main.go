package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/bootstrap"
	"github.com/docchat/backend/pkg/config"
	appLogger "github.com/docchat/backend/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("api", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("workspace", "", "workspace root directory")
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

	appLogger.Info("Starting document pipeline API server")

	app, err := bootstrap.New(cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.Close()

	processor := app.Processor()
	router, limiter := app.Router(processor, true)
	defer limiter.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("workspace", app.Paths.Root),
		zap.String("status_backend", cfg.Status.Backend),
	)

	go func() {
		if err := router.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := router.Shutdown(); err != nil {
		appLogger.Error("Shutdown failed", zap.Error(err))
	}
	processor.Wait()
	appLogger.Info("Server stopped")
}
