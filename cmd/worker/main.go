// Command worker runs the wallet reconciliation worker on its own, for
// deployments that scale it separately from the API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/btcvault/internal/config"
	"github.com/congo-pay/btcvault/internal/infra"
	"github.com/congo-pay/btcvault/internal/logging"
	"github.com/congo-pay/btcvault/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("process", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	services, err := server.NewServices(cfg, db, cache, nil, logger)
	if err != nil {
		logger.Error("wire services", "error", err)
		os.Exit(1)
	}

	if err := services.SyncWorker().Run(ctx); err != nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker exited cleanly")
}
