package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/api"
	"upbit-trading-bot/internal/autopilot"
	"upbit-trading-bot/internal/cache"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/vault"

	"github.com/redis/go-redis/v9"
)

// mockStartingKRW funds the simulated account
const mockStartingKRW = 1_000_000

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.json"), "path to the JSON config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("configuration loaded", "path", *configPath, "mock_mode", cfg.UpbitConfig.MockMode)

	ctx := context.Background()

	loadUpbitKeys(ctx, cfg, logger)

	// Exchange gateway
	var exchange upbit.Exchange
	if cfg.UpbitConfig.MockMode {
		exchange = upbit.NewMockClient(mockStartingKRW)
		logger.Warn("running against the simulated exchange, no real orders will be placed", "krw", mockStartingKRW)
	} else {
		exchange = upbit.NewClient(cfg.UpbitConfig, logger.WithComponent("upbit"))
	}

	// Trade journal
	journal, err := database.OpenJournal(ctx, cfg.DatabaseConfig.URL, cfg.DatabaseConfig.SQLitePath, logger.WithComponent("database"))
	if err != nil {
		logger.Fatal("failed to open trade journal", "error", err)
	}
	defer journal.Close()

	deps := autopilot.Deps{
		Exchange: exchange,
		Journal:  journal,
	}

	// Optional Redis: order tracker, monitoring mirror and status snapshots
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisConfig)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", "address", cfg.RedisConfig.Address, "error", err)
		} else {
			defer redisClient.Close()

			tracker := database.NewRedisOrderTracker(redisClient, 24*time.Hour, logger.WithComponent("order_tracker"))
			if pending, err := tracker.Pending(ctx); err == nil && len(pending) > 0 {
				for _, p := range pending {
					logger.Warn("order left pending by a previous run", "uuid", p.UUID, "market", p.Market, "side", p.Side, "price", p.Price)
				}
			}

			cacheService := cache.NewCacheServiceWithClient(redisClient, logger.WithComponent("cache"))
			deps.Tracker = tracker
			deps.Mirror = cacheService
			deps.StatusCache = cacheService
			deps.Lock = autopilot.NewInstanceLock(redisClient, "", logger)
			logger.Info("redis connected", "address", cfg.RedisConfig.Address)
		}
	}

	eventBus := events.NewEventBus()
	deps.Bus = eventBus

	analyzer := autopilot.NewMarketAnalyzer(cfg, deps, logger.WithComponent("analyzer"))

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, analyzer, eventBus, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("HTTP server stopped", "error", err)
			}
		}()
	}

	if cfg.TradingConfig.Enabled {
		if ok, msg := analyzer.Start(); !ok {
			logger.Error("engine did not start", "reason", msg)
		}
	} else {
		logger.Info("trading disabled, waiting for a start command")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	if analyzer.IsRunning() {
		if ok, msg := analyzer.Stop(); !ok {
			logger.Warn("engine stop incomplete", "reason", msg)
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// loadUpbitKeys prefers Vault and falls back to the config/env keys
func loadUpbitKeys(ctx context.Context, cfg *config.Config, logger *logging.Logger) {
	if !cfg.VaultConfig.Enabled {
		return
	}

	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Warn("vault client init failed, using configured keys", "error", err)
		return
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	keys, err := client.GetUpbitKeys(vctx)
	switch {
	case errors.Is(err, vault.ErrVaultDisabled):
		return
	case err != nil:
		logger.Warn("could not read upbit keys from vault, using configured keys", "error", err)
		return
	}

	cfg.UpbitConfig.AccessKey = keys.AccessKey
	cfg.UpbitConfig.SecretKey = keys.SecretKey
	logger.Info("upbit keys loaded from vault", "address", cfg.VaultConfig.Address)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config path]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
