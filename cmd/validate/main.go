package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/bootstrap"
	"github.com/docchat/backend/internal/probe"
	"github.com/docchat/backend/pkg/config"
	appLogger "github.com/docchat/backend/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("validate", pflag.ExitOnError)
	flags.String("config", "", "path to config file")
	flags.String("workspace", "", "workspace root directory")
	document := flags.String("document", "", "document to push through the indexing pipeline")
	keep := flags.Bool("keep", false, "keep the validation chat, document and vectors")
	timeout := flags.Duration("timeout", 60*time.Second, "how long to wait for the document to become ready")
	_ = flags.Parse(os.Args[1:])

	if *document == "" {
		fmt.Fprintln(os.Stderr, "usage: validate --document=path [--keep] [--timeout=60s]")
		os.Exit(2)
	}

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

	report, err := probe.Run(ctx, app, probe.Options{
		Document: *document,
		Keep:     *keep,
		Timeout:  *timeout,
	})
	if err != nil {
		appLogger.Error("Validation failed", zap.Error(err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	if !report.Passed() {
		os.Exit(1)
	}
}
