package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokerhub/internal/aggregate"
	"brokerhub/internal/alpaca"
	"brokerhub/internal/broker"
	"brokerhub/internal/config"
	"brokerhub/internal/database"
	"brokerhub/internal/execution"
	"brokerhub/internal/fifo"
	"brokerhub/internal/fxrate"
	"brokerhub/internal/gateway"
	"brokerhub/internal/logger"
	"brokerhub/internal/models"
	"brokerhub/internal/normalize"
	"brokerhub/internal/pricechain"
	"brokerhub/internal/provider"
	"brokerhub/internal/server"
	"brokerhub/internal/symbols"
	"brokerhub/internal/tradier"
	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	resolver := symbols.NewRuleResolver(nil, log)
	registry := provider.NewRegistry()

	var adapters []broker.Adapter
	var positionSources []provider.PositionProvider

	if cfg.Providers.Alpaca.Enabled {
		client := alpaca.NewClient(cfg.Providers.Alpaca, log)
		registry.RegisterPositionProvider(client)
		registry.RegisterTransactionProvider(client)
		registry.RegisterNormalizer(normalize.NewAlpacaNormalizer(resolver, log))
		registry.RegisterPriceProvider(client, 1, models.InstrumentEquity)
		adapters = append(adapters, client)
		positionSources = append(positionSources, client)
		log.Info("Alpaca provider enabled")
	}

	if cfg.Providers.Tradier.Enabled {
		client := tradier.NewClient(cfg.Providers.Tradier, log)
		registry.RegisterPositionProvider(client)
		registry.RegisterTransactionProvider(client)
		registry.RegisterNormalizer(normalize.NewTradierNormalizer(resolver, log))
		registry.RegisterPriceProvider(client, 2, models.InstrumentEquity)
		registry.RegisterPriceProvider(client, 1, models.InstrumentOption)
		adapters = append(adapters, client)
		positionSources = append(positionSources, client)
		log.Info("Tradier provider enabled")
	}

	if cfg.Providers.Gateway.Enabled {
		conn := gateway.NewConn(cfg.Providers.Gateway, log)
		defer conn.Close()
		client := gateway.NewClient(conn, log)
		registry.RegisterPositionProvider(client)
		registry.RegisterTransactionProvider(client)
		registry.RegisterNormalizer(normalize.NewGatewayNormalizer(resolver, log))
		registry.RegisterPriceProvider(client, 1, models.InstrumentFuture, models.InstrumentFX)
		adapters = append(adapters, client)
		positionSources = append(positionSources, client)
		log.Info("Gateway provider enabled")
	}

	fx := fxrate.NewClient(&cfg.FX, log)
	matcher := fifo.NewMatcher(fx, log)
	aggregator := aggregate.NewAggregator(registry, matcher, nil, log)
	prices := pricechain.NewResolver(registry, log)
	executor := execution.NewService(db, cfg.Trading, adapters, positionSources, log)

	if cfg.Trading.Enabled {
		log.Warn("Live trading is ENABLED", zap.Bool("dry_run", cfg.Trading.DryRun))
	} else {
		log.Info("Trading is disabled; preview and execute endpoints will refuse")
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Sweep stale previews in the background.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := executor.ExpireStalePreviews(ctx); err != nil {
					log.Error("Stale preview sweep failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	api := server.NewAPIServer(&cfg, aggregator, executor, prices, registry, log)
	api.Start()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Server has been shut down.")
}
