package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/api"
	"futures-trading-engine/internal/auth"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/circuit"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/signals"
	"futures-trading-engine/internal/vault"

	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ordersLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	eventBus := events.NewEventBus()

	// Notifications subscribe to the bus; a disabled manager sends nothing.
	notifyManager := notification.NewManager(cfg.NotificationConfig)
	notifyManager.SubscribeToBus(eventBus)

	// Redis is optional; the engine falls back to uuid client order IDs.
	var cacheService *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without sequence cache", "error", err)
			cacheService = nil
		}
	}

	// The audit database is optional; trading runs without it.
	var db *database.DB
	if cfg.PostgresConfig.Enabled {
		db, err = database.NewDB(cfg.PostgresConfig)
		if err != nil {
			logger.Warn("Audit database unavailable, continuing without it", "error", err)
			db = nil
		} else {
			migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
			if err := db.RunMigrations(migrateCtx); err != nil {
				logger.Error("Database migrations failed", "error", err)
				db.Close()
				db = nil
			}
			cancelMigrate()
		}
	}

	vaultClient, err := vault.NewClient(cfg.VaultConfig, vault.Credentials{
		APIKey:    cfg.BinanceConfig.APIKey,
		SecretKey: cfg.BinanceConfig.SecretKey,
		IsTestnet: cfg.BinanceConfig.TestNet,
	})
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}

	credsCtx, cancelCreds := context.WithTimeout(context.Background(), 15*time.Second)
	creds, err := vaultClient.GetCredentials(credsCtx)
	cancelCreds()
	if err != nil {
		log.Fatalf("Failed to load exchange credentials: %v", err)
	}

	client := binance.NewFuturesClient(creds.APIKey, creds.SecretKey, cfg.BinanceConfig.TestNet || creds.IsTestnet)

	signalSource, err := signals.NewHTTPSource(cfg.SignalsConfig)
	if err != nil {
		log.Fatalf("Failed to create signal source: %v", err)
	}

	breaker := circuit.NewCircuitBreaker(cfg.CircuitBreakerConfig, eventBus)

	eng, err := engine.New(engine.Deps{
		Config:  cfg,
		Client:  client,
		Signals: signalSource,
		Cache:   cacheService,
		DB:      db,
		Bus:     eventBus,
		Breaker: breaker,
		Orders:  ordersLogger,
	})
	if err != nil {
		log.Fatalf("Failed to assemble engine: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	logger.Info("Engine session started", "session_id", eng.SessionID())

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		authSvc, err := auth.NewService(cfg.AuthConfig)
		if err != nil {
			log.Fatalf("Failed to create auth service: %v", err)
		}
		server = api.NewServer(cfg.ServerConfig, eng, db, authSvc)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Status API stopped", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutdown signal received", "signal", sig.String())

	eng.Stop()

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status API shutdown failed", "error", err)
		}
		cancelShutdown()
	}
	if db != nil {
		db.Close()
	}
	if cacheService != nil {
		if err := cacheService.Close(); err != nil {
			logger.Warn("Redis close failed", "error", err)
		}
	}

	logger.Info("Shutdown complete")
}
