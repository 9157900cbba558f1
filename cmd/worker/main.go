package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/newsletter/internal/app"
	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	app.ConfigureLogging(cfg.Logging)

	if cfg.Database.Driver == "memory" {
		logger.Error("the standalone worker needs a shared database; use the embedded relay with the memory driver")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	stores, err := app.OpenStores(ctx, cfg.Database)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Error("open redis", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	sender, err := app.NewRelaySender(ctx, cfg.EmailClient, m)
	if err != nil {
		logger.Error("build email gateway", "error", err)
		os.Exit(1)
	}

	app.NewRelay(cfg, stores, rdb, sender, m).Start(ctx)
	logger.Info("worker stopped")
}
