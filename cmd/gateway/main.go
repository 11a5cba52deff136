package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/config"
	"github.com/coreason-ai/gateway/internal/logger"
	"github.com/coreason-ai/gateway/internal/router"
	"github.com/coreason-ai/gateway/internal/services/accounting"
	"github.com/coreason-ai/gateway/internal/services/budget"
	"github.com/coreason-ai/gateway/internal/services/routing"
	"github.com/coreason-ai/gateway/internal/services/secrets"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration. A forbidden static provider key in the
	// environment fails here, before anything is served.
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// Redis is the budget authority; refuse to start without it.
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(opt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	// Vault AppRole login happens once; per-request reads reuse the token.
	secretProvider, err := secrets.NewVaultProvider(context.Background(), secrets.Config{
		Address:  cfg.Vault.Address,
		RoleID:   cfg.Vault.RoleID,
		SecretID: cfg.Vault.SecretID,
	}, log)
	if err != nil {
		log.Fatal("Failed to authenticate with Vault", zap.Error(err))
	}

	budgetManager := budget.NewManager(redisClient, log, cfg.Budget.CheckTimeout)

	dispatcher := accounting.NewDispatcher(budgetManager, log, accounting.Config{
		QueueSize:  cfg.Accounting.QueueSize,
		Workers:    cfg.Accounting.Workers,
		MaxRetries: cfg.Accounting.MaxRetries,
		RetryDelay: cfg.Accounting.RetryDelay,
	})

	handler := router.New(&router.Dependencies{
		Config:         cfg,
		Logger:         log,
		Routes:         routing.NewRouter(),
		SecretProvider: secretProvider,
		BudgetManager:  budgetManager,
		Accounting:     dispatcher,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Gateway listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	// Drain pending accounting updates before the Redis client goes away.
	dispatcher.Close()

	log.Info("Gateway stopped")
}
