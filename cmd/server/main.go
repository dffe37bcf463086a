package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campus-store/config"
	"campus-store/internal/api"
	"campus-store/internal/broker"
	"campus-store/internal/export"
	"campus-store/internal/redisclient"
	"campus-store/internal/service"
	"campus-store/internal/store"
	"campus-store/internal/store/filestore"
	"campus-store/internal/util"
	"campus-store/internal/worker"
	"campus-store/internal/ws"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// backend is what both storage drivers provide
type backend interface {
	service.Catalog
	service.OrderRepository
	service.AuditLog
	Ping(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (backend, func() error, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := store.NewStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		fs, err := filestore.New(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() error { return nil }, nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting campus store",
		zap.String("env", cfg.Server.Env),
		zap.String("storage", cfg.Storage.Driver),
	)

	if cfg.Observ.JaegerEndpoint != "" {
		tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeDB, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer closeDB()
	logger.Info("Storage ready", zap.String("driver", cfg.Storage.Driver))

	checks := map[string]api.ReadinessCheck{"storage": db.Ping}

	var locker service.Locker
	var limiter api.RateLimiter
	if cfg.Redis.Enabled() {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

		locker = redisclient.NewLocker(redisClient, cfg.Business.IdempotencyLockTTL)
		limiter = redisClient
		checks["redis"] = redisClient.Ping
	}

	loc := service.LoadOrderLocation(cfg.Business.OrderTimezone)

	hub := ws.NewHub(cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	exporter := export.NewExporter(db, cfg.Storage.ExportPath, loc)
	if n, err := exporter.Export(ctx); err != nil {
		logger.Warn("Initial order export failed", zap.Error(err))
	} else {
		logger.Info("Orders exported", zap.String("path", cfg.Storage.ExportPath), zap.Int("rows", n))
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderCreated(exporter.OnOrderCreated)
	eventHandler.OnOrderUpdated(exporter.OnOrderUpdated)
	eventHandler.OnOrderCreated(hub.OnOrderCreated)
	eventHandler.OnOrderUpdated(hub.OnOrderUpdated)

	var publisher service.Publisher
	var eventsWorker *worker.OrderEventsWorker
	if cfg.Kafka.Enabled() {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
		eventsWorker = worker.NewOrderEventsWorker(consumer, eventHandler)
		go func() {
			if err := eventsWorker.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Order events worker error", zap.Error(err))
			}
		}()
	} else {
		publisher = broker.NewLocalPublisher(eventHandler)
		logger.Info("Kafka disabled, dispatching order events in process")
	}

	orderService := service.NewOrderService(db, db, db, publisher, locker, service.Settings{
		IdempotencyWindow:     cfg.Business.IdempotencyWindow,
		PendingPriceThreshold: cfg.Business.PendingPriceThreshold,
		OrderIDMaxAttempts:    cfg.Business.OrderIDMaxAttempts,
		Location:              loc,
	})
	adminService := service.NewAdminService(db, db, publisher)
	catalogService := service.NewCatalogService(db)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, adminService, catalogService, api.Options{
		Stream:         hub,
		Limiter:        limiter,
		RateLimit:      cfg.Business.OrderRateLimit,
		RateWindow:     cfg.Business.OrderRateWindow,
		ExportLocation: loc,
		Checks:         checks,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	if eventsWorker != nil {
		if err := eventsWorker.Stop(); err != nil {
			logger.Error("Failed to stop order events worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
