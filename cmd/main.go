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
	_ "time/tzdata"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/clients/clover"
	"esl-sync-service/internal/clients/esl"
	"esl-sync-service/internal/clients/shopify"
	"esl-sync-service/internal/config"
	"esl-sync-service/internal/database"
	"esl-sync-service/internal/encryption"
	"esl-sync-service/internal/handlers"
	"esl-sync-service/internal/middleware"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/notify"
	"esl-sync-service/internal/repository"
	"esl-sync-service/internal/secrets"
	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := config.NewLogger(cfg)

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL, cfg.Environment, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			logger.WithError(err).Fatal("Database migration failed")
		}
		logger.Info("Database models migrated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets come from GCP Secret Manager when configured, the environment otherwise
	secretStore := secrets.Chain{secrets.NewEnvStore()}
	if cfg.GCPProjectID != "" {
		secretManager, err := secrets.NewGCPSecretManager(ctx, cfg.GCPProjectID)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize GCP Secret Manager, using environment secrets")
		} else {
			defer secretManager.Close()
			secretStore = secrets.Chain{secretManager, secrets.NewEnvStore()}
			logger.Info("GCP Secret Manager initialized")
		}
	}
	secret := func(name, fallback string) string {
		return secrets.Resolve(ctx, secretStore, name, fallback)
	}

	cipher, err := encryption.NewTokenCipher(secret("token-encryption-key", cfg.TokenEncryptionKey))
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize token encryption")
	}
	if cipher == nil {
		logger.Warn("TOKEN_ENCRYPTION_KEY not configured, OAuth tokens are stored unencrypted")
	}

	// Cross-process refresh lock (optional - a single instance works without Redis)
	var locker services.Locker = services.LocalLocker{}
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: secret("redis-password", cfg.RedisPassword),
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, token refresh locking is process-local")
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			locker = services.NewRedisLocker(rdb)
			logger.Info("Redis token refresh lock initialized")
		}
	}

	notifier, closeNotifier := buildNotifier(cfg, logger)
	defer closeNotifier()

	// Source adapters
	registry := clients.NewRegistry(
		shopify.NewAdapter(shopify.Config{
			APIKey:     cfg.ShopifyAPIKey,
			APISecret:  secret("shopify-api-secret", cfg.ShopifyAPISecret),
			APIVersion: cfg.ShopifyAPIVersion,
			BaseURL:    cfg.ShopifyBaseURL,
			Timeout:    cfg.HTTPTimeout,
		}),
		clover.NewAdapter(clover.Config{
			BaseURL:       cfg.CloverBaseURL,
			AppID:         cfg.CloverAppID,
			AppSecret:     secret("clover-app-secret", cfg.CloverAppSecret),
			WebhookSecret: secret("clover-webhook-secret", cfg.CloverWebhookSecret),
			Timeout:       cfg.HTTPTimeout,
		}),
	)
	eslClient := esl.NewClient(esl.Config{
		BaseURL:           cfg.ESLBaseURL,
		Account:           cfg.ESLAccount,
		Password:          secret("esl-password", cfg.ESLPassword),
		Timeout:           cfg.ESLTimeout,
		RequestsPerSecond: float64(cfg.ESLRateLimit),
	})

	// Initialize repositories
	mappingRepo := repository.NewStoreMappingRepository(db)
	productRepo := repository.NewProductRepository(db)
	syncRepo := repository.NewSyncRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)

	// Initialize services
	catalogService := services.NewCatalogService(productRepo, syncRepo, logger)
	tokenService := services.NewTokenService(mappingRepo, registry, locker, cipher, notifier, services.TokenConfigFrom(cfg), logger)
	syncWorker := services.NewSyncWorker(syncRepo, productRepo, mappingRepo, eslClient, notifier, services.SyncWorkerConfigFrom(cfg), logger)
	pollingService := services.NewPollingService(registry, mappingRepo, catalogService, tokenService, notifier, services.PollingConfigFrom(cfg), logger)
	priceScheduler := services.NewPriceScheduler(scheduleRepo, mappingRepo, productRepo, catalogService, registry, tokenService, notifier, services.SchedulerConfigFrom(cfg), logger)
	webhookService := services.NewWebhookService(registry, mappingRepo, catalogService, tokenService, notifier, logger)

	var background sync.WaitGroup
	tokenService.SetInitialSync(func(_ context.Context, mapping *models.StoreMapping) {
		background.Add(1)
		go func() {
			defer background.Done()
			_, err := pollingService.Reconcile(ctx, mapping, services.PollOptions{SkipTokenPreflight: true, ForceGhostCleanup: true})
			if err != nil && !errors.Is(err, services.ErrPollingNotSupported) {
				logger.WithError(err).WithField("store", mapping.TenantKey()).Error("Initial sync failed")
			}
		}()
	})

	// Background loops
	for _, run := range []func(context.Context){
		syncWorker.Run,
		tokenService.RunSweeper,
		pollingService.Run,
		priceScheduler.Run,
	} {
		background.Add(1)
		go func(run func(context.Context)) {
			defer background.Done()
			run(ctx)
		}(run)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db)
	webhookHandler := handlers.NewWebhookHandler(webhookService)
	oauthHandler := handlers.NewOAuthHandler(tokenService)
	syncHandler := handlers.NewSyncHandler(syncWorker, pollingService)
	scheduleHandler := handlers.NewScheduleHandler(priceScheduler, mappingRepo)

	adminKeys := middleware.ParseAPIKeys(secret("admin-api-keys", cfg.AdminAPIKey))
	if len(adminKeys) == 0 {
		logger.Warn("ADMIN_API_KEYS not configured, the admin API rejects every request")
	}

	router := setupRouter(cfg, logger, adminKeys, healthHandler, webhookHandler, oauthHandler, syncHandler, scheduleHandler)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"port": cfg.Port, "env": cfg.Environment}).Info("ESL sync service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	cancel()
	background.Wait()
	logger.Info("Server shutdown complete")
}

// buildNotifier fans alerts out to the log and every configured sink
func buildNotifier(cfg *config.Config, logger *logrus.Logger) (notify.Notifier, func()) {
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	var closers []func()

	if cfg.SlackWebhookURL != "" {
		slack := notify.NewSlackNotifier(cfg.SlackWebhookURL, logger)
		sinks = append(sinks, slack)
		closers = append(closers, slack.Wait)
	}
	if cfg.NATSURL != "" {
		nats, err := notify.NewNATSNotifier(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, alerts will not be published")
		} else {
			sinks = append(sinks, nats)
			closers = append(closers, nats.Close)
		}
	}

	return notify.NewMulti(logger, sinks...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	adminKeys []string,
	healthHandler *handlers.HealthHandler,
	webhookHandler *handlers.WebhookHandler,
	oauthHandler *handlers.OAuthHandler,
	syncHandler *handlers.SyncHandler,
	scheduleHandler *handlers.ScheduleHandler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	// Health check
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", healthHandler.Metrics())

	// Source callbacks
	router.POST("/webhooks/:source/:event", webhookHandler.Handle)
	router.GET("/oauth/:source/callback", oauthHandler.Callback)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth(adminKeys))
	{
		syncRoutes := v1.Group("/sync")
		{
			syncRoutes.GET("/stats", syncHandler.Stats)
			syncRoutes.GET("/items/:id/logs", syncHandler.Logs)
			syncRoutes.POST("/items/:id/retry", syncHandler.Retry)
		}

		stores := v1.Group("/stores/:source/:storeId")
		{
			stores.POST("/reconcile", syncHandler.Reconcile)
			stores.POST("/schedules", scheduleHandler.Create)
		}

		schedules := v1.Group("/schedules")
		{
			schedules.GET("/:id", scheduleHandler.Get)
			schedules.DELETE("/:id", scheduleHandler.Deactivate)
		}
	}

	return router
}
