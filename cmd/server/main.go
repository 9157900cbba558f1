package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter/internal/api"
	"github.com/ignite/newsletter/internal/app"
	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
	"github.com/ignite/newsletter/internal/storage"
)

func main() {
	if err := run(); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	app.ConfigureLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	stores, err := app.OpenStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer stores.Close()

	rdb, err := app.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	sender, err := app.NewSender(ctx, cfg.EmailClient, m)
	if err != nil {
		return err
	}
	archive, err := storage.New(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	svc, err := app.NewServices(cfg, stores, sender, archive, m)
	if err != nil {
		return err
	}

	// Typed nils must not reach the health checker's interfaces.
	var db api.Pinger
	if stores.DB != nil {
		db = stores.DB
	}
	var cache redis.UniversalClient
	if rdb != nil {
		cache = rdb
	}
	health := api.NewHealthChecker(db, cache)

	router := api.NewRouter(api.Deps{
		Subscriptions: svc.Subscriptions,
		Newsletters:   svc.Newsletters,
		Health:        health,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Realm:         cfg.Auth.Realm,
		CORSOrigins:   cfg.Server.CORSAllowedOrigins,
	})
	server := api.NewServer(cfg.Server, router)

	var wg sync.WaitGroup
	if cfg.Outbox.EmbeddedRelay && cfg.Subscriptions.ConfirmationDelivery == config.DeliveryOutbox {
		relaySender, err := app.NewRelaySender(ctx, cfg.EmailClient, m)
		if err != nil {
			return err
		}
		relay := app.NewRelay(cfg, stores, rdb, relaySender, m)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Start(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.Server.Addr(),
			"database", cfg.Database.Driver,
			"confirmation_delivery", cfg.Subscriptions.ConfirmationDelivery,
			"dispatch_mode", cfg.Newsletter.DispatchMode,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	logger.Info("server stopped")
	return nil
}
