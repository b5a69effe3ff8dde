package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wayfarerhq/llm-gateway/internal/breaker"
	"github.com/wayfarerhq/llm-gateway/internal/budget"
	"github.com/wayfarerhq/llm-gateway/internal/cache"
	"github.com/wayfarerhq/llm-gateway/internal/config"
	"github.com/wayfarerhq/llm-gateway/internal/gateway"
	"github.com/wayfarerhq/llm-gateway/internal/provider"
	"github.com/wayfarerhq/llm-gateway/internal/provider/anthropic"
	"github.com/wayfarerhq/llm-gateway/internal/provider/openai"
	"github.com/wayfarerhq/llm-gateway/internal/routing"
	"github.com/wayfarerhq/llm-gateway/internal/server"
	"github.com/wayfarerhq/llm-gateway/internal/storage"
	"github.com/wayfarerhq/llm-gateway/internal/storage/sqlite"
	"github.com/wayfarerhq/llm-gateway/internal/telemetry"
	"github.com/wayfarerhq/llm-gateway/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("llm-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("WAYFARER_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Providers) == 0 {
		log.Fatal("No providers configured")
	}

	var store storage.Store
	if cfg.Storage.Path != "" {
		store, err = sqlite.New(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open storage: %v", err)
		}
		defer store.Close()
	}

	estimator := tokens.NewEstimator()
	adapters := provider.NewRegistry()
	adapters.Register(openai.New(estimator))
	adapters.Register(anthropic.New(estimator))

	breakers := breaker.NewRegistry(cfg.BreakerSettings())
	router := routing.NewEngine(cfg.Profiles(), breakers,
		routing.WithABSplit(cfg.Routing.ABSplit))

	budgetOpts := []budget.Option{budget.WithLogger(logger)}
	if store != nil {
		budgetOpts = append(budgetOpts, budget.WithStore(store))
	}
	budgets := budget.NewManager(cfg.BudgetLimits(), budgetOpts...)
	if err := budgets.Restore(context.Background()); err != nil {
		log.Fatalf("Failed to restore budget ledgers: %v", err)
	}

	respCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL, cfg.Cache.MaxTTL)

	engineOpts := []gateway.Option{gateway.WithLogger(logger)}
	if store != nil {
		engineOpts = append(engineOpts, gateway.WithStore(store))
	}
	engine := gateway.NewEngine(router, adapters, breakers, budgets, respCache, engineOpts...)

	handler := &server.Handler{
		Engine:   engine,
		Cache:    respCache,
		Breakers: breakers,
		Budgets:  budgets,
		Router:   router,
		Store:    store,
		Logger:   logger,
	}

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimitRPS:   cfg.Server.RateLimit.RPS,
		RateLimitBurst: cfg.Server.RateLimit.Burst,
	}, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping gateway...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Gateway shutdown complete")
}
