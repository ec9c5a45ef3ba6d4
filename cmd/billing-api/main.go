/**
 * @description
 * Entry point for billing-api. Wires configuration, the database pool, the
 * field codec, the outbound gateway clients, the optional Redis and RabbitMQ
 * connections and the app services, then serves HTTP until SIGINT/SIGTERM.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/revendapro/billing-engine/internal/api"
	"github.com/revendapro/billing-engine/internal/app"
	"github.com/revendapro/billing-engine/internal/config"
	"github.com/revendapro/billing-engine/internal/fieldcodec"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/mercadopago"
	rmrabbit "github.com/revendapro/billing-engine/pkg/rabbitmq"
	"github.com/revendapro/billing-engine/pkg/renewalclient"
	"github.com/revendapro/billing-engine/pkg/wuzapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found; using process environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Require("DATABASE_URL", "ENCRYPTION_KEY", "SUPABASE_JWT_SECRET", "INTERNAL_API_KEY"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.WebhookBaseURL == "" {
		logger.Warn("WEBHOOK_BASE_URL not set; checkouts will not register a notification url")
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	codec, err := fieldcodec.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize field codec", "error", err)
		os.Exit(1)
	}

	var events rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; billing events will not be published")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		events = producer
		logger.Info("rabbitmq producer connected")
	}
	defer events.Close()

	var claims app.ReminderClaims
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set; overlapping reminder sweeps are not deduplicated")
	} else if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("redis url parse failed; reminder claims disabled", "error", err)
	} else {
		redisClient := redis.NewClient(opts)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			logger.Warn("redis ping failed; reminder claims disabled", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			claims = app.NewRedisReminderClaims(redisClient, cfg.RedisKeyPrefix, 0)
			logger.Info("redis connected")
		}
	}

	repository := store.NewPostgresRepository(dbpool, codec, store.SettingsFallback{
		RenewalAPIURL: cfg.RenewalAPIURL,
		RenewalAPIKey: cfg.RenewalAPIKey,
	})
	clock := app.NewClock(cfg.BusinessTimezone, logger)
	mpClient := mercadopago.NewClient(cfg.MercadoPagoAPIBaseURL)

	orchestrator := app.NewRenewalOrchestrator(
		repository,
		renewalclient.NewClient(logger, cfg.RenewalBreakerFailureThreshold),
		events,
		clock,
		logger,
	)
	reconciler := app.NewReconciler(repository, mpClient, orchestrator, events, clock, logger)
	checkouts := app.NewCheckoutService(repository, mpClient, app.CheckoutConfig{
		WebhookBaseURL:       cfg.WebhookBaseURL,
		PublicPaymentBaseURL: cfg.PublicPaymentBaseURL,
	}, logger)
	platform := app.NewPlatformBilling(repository, mpClient, clock, app.PlatformConfig{
		WebhookBaseURL: cfg.WebhookBaseURL,
		AppBaseURL:     cfg.AppBaseURL,
	}, logger)
	wuzClient := wuzapi.NewClient()
	messaging := app.NewMessagingProxy(repository, wuzClient, logger)
	dispatcher := app.NewDispatcher(repository, wuzClient, claims, clock, app.DispatcherConfig{
		PublicPaymentBaseURL:     cfg.PublicPaymentBaseURL,
		DefaultMessagesPerMinute: cfg.DefaultMessagesPerMinute,
		MaxConcurrentAccounts:    cfg.DispatchMaxConcurrentAccounts,
	}, logger)

	handler := api.NewHandler(orchestrator, reconciler, checkouts, dispatcher, platform, messaging, codec, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:                cfg.SupabaseJWTSecret,
		InternalAPIKey:           cfg.InternalAPIKey,
		AllowedOrigins:           cfg.CORSAllowedOrigins,
		PublicRateLimitPerMinute: cfg.PublicRateLimitPerMinute,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr, "timezone", clock.Location().String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
