package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/dealroom-service/internal/api/http"
	"github.com/spec-kit/dealroom-service/internal/api/http/handlers"
	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/config"
	"github.com/spec-kit/dealroom-service/internal/documents"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/notify"
	"github.com/spec-kit/dealroom-service/internal/observability"
	"github.com/spec-kit/dealroom-service/internal/persistence"
	"github.com/spec-kit/dealroom-service/internal/realtime"
	"github.com/spec-kit/dealroom-service/internal/repository"
	"github.com/spec-kit/dealroom-service/internal/service"
	"github.com/spec-kit/dealroom-service/internal/worker"
	"github.com/spec-kit/dealroom-service/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations && pg.PoolHandle() != nil {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), migrations.Files, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	pool := pg.PoolHandle()
	txRepo := repository.NewTransactionRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	requestRepo := repository.NewRequestRepository(pool)
	resolver := access.NewResolver(txRepo)

	dispatcher := events.NewInMemoryDispatcher()

	var (
		broker   realtime.Broker
		presence realtime.PresencePort
	)
	if cfg.Realtime.UseRedisBroker {
		broker = realtime.NewRedisBroker(redis.Client, redis.Prefix(), logger)
		presence = realtime.NewRedisPresence(redis.Client, redis.Prefix(), cfg.Realtime.PresenceTTL())
	} else {
		broker = realtime.NewMemoryBroker()
		presence = realtime.NewPresenceTracker()
	}
	defer broker.Close() //nolint:errcheck
	realtime.Bridge(dispatcher, broker)

	store := newDocumentStore(ctx, cfg, logger)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokens)

	hub := realtime.NewHub(cfg.Realtime, realtime.HubDependencies{
		Broker:   broker,
		Presence: presence,
		Auth:     authMiddleware,
		Resolver: resolver,
		Logger:   logger,
		Metrics:  metrics,
	})

	messageService := service.NewMessageService(service.MessageDependencies{
		MessageRepo: messageRepo,
		Resolver:    resolver,
		Documents:   store,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Metrics:     metrics,
	})
	requestService := service.NewRequestService(service.RequestDependencies{
		RequestRepo: requestRepo,
		Resolver:    resolver,
		Documents:   store,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Metrics:     metrics,
	})

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.Notification.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notification.WebhookURL, 5*time.Second)
	}
	notificationService := service.NewNotificationService(service.NotificationDependencies{
		Dispatcher: dispatcher,
		Directory:  txRepo,
		Presence:   presence,
		Ledger:     notify.NewRedisLedger(redis.Client, redis.Prefix(), cfg.Notification.LedgerTTL()),
		Throttle:   notify.NewThrottle(cfg.Notification.Cooldown()),
		Sender:     sender,
		Logger:     logger,
		Metrics:    metrics,
	})
	notifyPool := worker.NewPool("notifications", cfg.Notification.Workers, cfg.Notification.QueueSize, logger)
	worker.StartNotificationWorker(notificationService, notifyPool)

	app := fiber.New(fiber.Config{BodyLimit: cfg.App.MaxUploadBytes})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Messages:       handlers.NewMessagesHandler(messageService),
		Requests:       handlers.NewRequestsHandler(requestService),
		AuthMiddleware: authMiddleware,
		Registry:       metrics.Registry,
	})

	realtimeServer := &http.Server{
		Addr:              cfg.Realtime.Addr(),
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("realtime gateway listening", zap.String("addr", realtimeServer.Addr))
		if err := realtimeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("realtime listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = app.ShutdownWithContext(shutdownCtx)
	hub.Shutdown()
	_ = realtimeServer.Shutdown(shutdownCtx)
	notifyPool.Stop(shutdownCtx)
}

// newDocumentStore uses MinIO when an endpoint is configured.
func newDocumentStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) documents.Store {
	limit := int64(cfg.App.MaxUploadBytes)
	if cfg.Storage.Endpoint == "" {
		logger.Warn("no storage endpoint configured, keeping documents in memory")
		return documents.NewMemoryStore(limit)
	}
	store, err := documents.NewMinioStore(ctx, cfg.Storage, limit, logger)
	if err != nil {
		logger.Fatal("failed to init document store", zap.Error(err))
	}
	return store
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
