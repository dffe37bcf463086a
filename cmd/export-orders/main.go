package main

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"time"

	"campus-store/config"
	"campus-store/internal/export"
	"campus-store/internal/models"
	"campus-store/internal/service"
	"campus-store/internal/store"
	"campus-store/internal/store/filestore"
	"campus-store/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	driver := flag.String("driver", cfg.Storage.Driver, "storage driver (file or postgres)")
	dataDir := flag.String("data-dir", cfg.Storage.DataDir, "data directory of the file store")
	databaseURL := flag.String("database-url", cfg.Storage.DatabaseURL, "postgres connection string")
	outDir := flag.String("out", "exports", "directory the CSV is written to")
	timezone := flag.String("timezone", cfg.Business.OrderTimezone, "time zone of exported timestamps")
	status := flag.String("status", "", "only export orders with this status")
	flag.Parse()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var source export.OrderSource
	switch *driver {
	case config.DriverPostgres:
		db, err := store.NewStore(*databaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		source = db
	case config.DriverFile:
		fs, err := filestore.New(*dataDir)
		if err != nil {
			logger.Fatal("Failed to open file store", zap.Error(err))
		}
		source = fs
	default:
		logger.Fatal("Unknown storage driver", zap.String("driver", *driver))
	}

	filter := models.OrderFilter{}
	if *status != "" {
		s, err := models.ParseOrderStatus(*status)
		if err != nil {
			logger.Fatal("Invalid status filter", zap.Error(err))
		}
		filter.Status = string(s)
	}

	orders, err := source.ListOrders(ctx, filter)
	if err != nil {
		logger.Fatal("Failed to load orders", zap.Error(err))
	}

	path := filepath.Join(*outDir, export.Filename(time.Now()))
	if err := export.WriteFile(path, orders, service.LoadOrderLocation(*timezone)); err != nil {
		logger.Fatal("Failed to write export", zap.Error(err))
	}

	logger.Info("Orders exported", zap.String("path", path), zap.Int("rows", len(orders)))
}
