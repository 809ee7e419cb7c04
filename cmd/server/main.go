package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/gateway"
	"github.com/crosslogic/billing-service/internal/notifications"
	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/internal/store/memory"
	"github.com/crosslogic/billing-service/internal/store/postgres"
	"github.com/crosslogic/billing-service/pkg/cache"
	"github.com/crosslogic/billing-service/pkg/database"
	"github.com/crosslogic/billing-service/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting CrossLogic billing service",
		zap.String("store", cfg.Store.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	billingStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open billing store", zap.Error(err))
	}
	defer billingStore.Close()

	// Redis backs webhook/notification dedupe and the usage rate limit
	var redisCache *cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewCache(cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("connected to Redis")
	} else {
		logger.Warn("redis disabled, dedupe and rate limiting are process-local")
	}

	eventBus := events.NewBus(logger)
	logger.Info("initialized event bus")

	stripeGateway := payments.NewStripeGateway(cfg.Billing.StripeSecretKey, nil, logger)

	// Initialize billing engine
	billingEngine := billing.NewEngine(billingStore, stripeGateway, eventBus, logger, cfg.Billing)
	if err := billingEngine.Pricing.EnsureDefaultPricing(ctx, cfg.Pricing); err != nil {
		logger.Fatal("failed to install default pricing", zap.Error(err))
	}
	logger.Info("initialized billing engine")

	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, billingEngine.Recharge, billingStore, redisCache, logger)

	// Initialize notification service
	notificationConfig, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load notification config", zap.Error(err))
	}
	notificationService := notifications.NewService(notificationConfig, redisCache, logger, eventBus)
	if err := notificationService.Start(ctx); err != nil {
		logger.Fatal("failed to start notification service", zap.Error(err))
	}
	logger.Info("started notification service")

	billingEngine.StartBackgroundJobs(ctx)

	gw := gateway.NewGateway(billingEngine, billingStore, redisCache, webhookHandler, logger, cfg.Security, cfg.Monitoring.MetricsPath)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop the sweeper and let in-flight recharges finish before draining events
	cancel()
	billingEngine.Wait()
	eventBus.Drain()

	if err := notificationService.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop notification service gracefully", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory billing store, balances are lost on restart")
		return memory.New(), nil
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("applied billing schema")
	}
	return postgres.New(db, cfg.Billing.LockTimeout, logger), nil
}
