package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"outreach-sync/internal/api"
	"outreach-sync/internal/api/handlers"
	"outreach-sync/internal/config"
	"outreach-sync/internal/db"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/localstore"
	"outreach-sync/internal/logger"
	"outreach-sync/internal/repository"
	"outreach-sync/internal/scheduler"
	"outreach-sync/internal/service"
	"outreach-sync/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load and validate configuration first (before logger)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Logger)

	logger.Info().
		Str("environment", cfg.Logger.Environment).
		Str("log_level", cfg.Logger.Level).
		Msg("configuration loaded successfully")

	// Run migrations before connecting to database
	logger.Info().Msg("running database migrations")
	if err := db.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("database connected successfully")

	// Repositories
	queueRepo := repository.NewQueueRepository(database.Pool, cfg.Maintenance.EnqueueDedupWindow)
	lockRepo := repository.NewLockRepository(database.Pool)
	mappingRepo := repository.NewObjectMappingRepository(database.Pool)
	fieldRepo := repository.NewFieldMappingRepository(database.Pool)
	webhookRepo := repository.NewWebhookEventRepository(database.Pool)
	metricRepo := repository.NewSyncMetricRepository(database.Pool)
	auditRepo := repository.NewConflictAuditRepository(database.Pool)

	// Engine core: adapters, routes, transforms, event dispatch
	adapters := engine.NewAdapterRegistry()
	routes := engine.NewRouteTable()
	transformer := engine.NewTransformer()
	dispatcher := engine.NewDispatcher()

	// Adapters and routes are registered here by deployments that link
	// provider packages in, e.g.:
	//   adapters.Register(hubspot.New(cfg.HubSpot))
	//   routes.Register("contact", engine.Route{Adapter: "hubspot", RemoteType: "contacts"})

	localStore := localstore.NewStore(database.Pool)

	// Services
	metricsService := service.NewMetricsService(metricRepo)
	dispatcher.Subscribe(metricsService)

	syncService := service.NewSyncService(cfg.Worker, service.SyncServiceDeps{
		Queue:       queueRepo,
		Locks:       lockRepo,
		Mappings:    mappingRepo,
		Fields:      fieldRepo,
		Audits:      auditRepo,
		Adapters:    adapters,
		Routes:      routes,
		Transformer: transformer,
		Local:       localStore,
		Publisher:   dispatcher,
	})
	webhookService := service.NewWebhookService(cfg.Worker, service.WebhookServiceDeps{
		Events:    webhookRepo,
		Queue:     queueRepo,
		Locks:     lockRepo,
		Mappings:  mappingRepo,
		Audits:    auditRepo,
		Routes:    routes,
		Local:     localStore,
		Publisher: dispatcher,
	})
	conflictService := service.NewConflictService(cfg.Worker, auditRepo, queueRepo, mappingRepo, dispatcher)

	// Worker pool
	workerCtx, stopWorkers := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopWorkers()

	pool := worker.NewPool(cfg.Worker, syncService, webhookService)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(workerCtx); err != nil {
			logger.Error().Err(err).Msg("worker pool exited with error")
		}
	}()

	// Maintenance scheduler
	maint, err := scheduler.New(*cfg, lockRepo, queueRepo, webhookRepo, auditRepo)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build maintenance scheduler")
	}
	maint.Start()
	defer maint.Stop()

	// HTTP API
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.RequestIDMiddleware())
	router.Use(api.LoggingMiddleware())
	router.Use(api.CORSMiddleware(cfg.CORS))
	router.Use(api.ErrorHandlerMiddleware())

	systemHandler := handlers.NewSystemHandler(database)
	router.GET("/health", systemHandler.Health)

	webhookHandler := handlers.NewWebhookHandler(webhookService)
	syncHandler := handlers.NewSyncHandler(syncService, adapters)
	conflictHandler := handlers.NewConflictHandler(conflictService)
	metricsHandler := handlers.NewMetricsHandler(metricsService)
	fieldHandler := handlers.NewFieldMappingHandler(fieldRepo)

	v1 := router.Group("/api/v1")
	v1.Use(api.APIKeyMiddleware(cfg.External.APIKey))
	{
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/:provider", webhookHandler.Ingest)
			webhooks.GET("/events/:id", webhookHandler.GetEvent)
		}

		syncRoutes := v1.Group("/sync")
		{
			syncRoutes.POST("/enqueue", syncHandler.Enqueue)
			syncRoutes.GET("/queue", syncHandler.ListItems)
			syncRoutes.GET("/queue/:id", syncHandler.GetItem)
			syncRoutes.DELETE("/queue/:id", syncHandler.CancelItem)
			syncRoutes.GET("/entities/:type/:id/status", syncHandler.EntityStatus)
			syncRoutes.GET("/adapters", syncHandler.ListAdapters)

			conflicts := syncRoutes.Group("/conflicts")
			{
				conflicts.GET("", conflictHandler.ListOpen)
				conflicts.GET("/:id", conflictHandler.Get)
				conflicts.POST("/:id/resolve", conflictHandler.Resolve)
			}

			fieldMappings := syncRoutes.Group("/field-mappings")
			{
				fieldMappings.PUT("", fieldHandler.Upsert)
				fieldMappings.GET("", fieldHandler.List)
				fieldMappings.DELETE("/:id", fieldHandler.Delete)
			}

			syncRoutes.GET("/metrics", metricsHandler.Range)
		}
	}

	addr := cfg.GetBindAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to bind listener")
	}

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt, then drain: stop claiming new work, finish
	// in-flight items, shut the HTTP server down last.
	<-workerCtx.Done()
	logger.Info().Msg("shutting down")

	select {
	case <-poolDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn().Msg("worker pool did not drain before timeout")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited")
}
