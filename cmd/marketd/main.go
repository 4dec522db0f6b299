package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"hashmarket/attributes"
	"hashmarket/config"
	"hashmarket/events"
	"hashmarket/jobs"
	"hashmarket/market"
	"hashmarket/mirror"
	"hashmarket/models"
	"hashmarket/pricing"
	"hashmarket/server"
	"hashmarket/submitter"
)

func openDatabase(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
}

func main() {
	configPath := flag.String("config", "marketd.yaml", "path to the configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "marketd ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("migrate database: %v", err)
	}

	mirrorClient := mirror.NewClient(cfg.Mirror.URL, cfg.Mirror.APIKey)
	submitClient := submitter.NewClient(cfg.Submitter.URL, cfg.Submitter.Token)

	store := market.NewStore(db, nil)
	attributeStore := attributes.NewStore(db, nil)

	svc, err := market.NewService(market.Config{
		Store:     store,
		Mirror:    mirrorClient,
		Submitter: submitClient,
		Enricher:  attributeStore,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("build market service: %v", err)
	}

	publisher := events.NewHTTPPublisher(cfg.Bus.URL, cfg.Bus.Secret)
	handler, err := events.NewHandler(store, mirrorClient, publisher, logger)
	if err != nil {
		logger.Fatalf("build event handler: %v", err)
	}

	sweepers := []*jobs.Sweeper{
		jobs.NewListingSweeper(store, models.StateCreated, cfg.Timeouts.ListingCreated.Duration, nil, logger),
		jobs.NewListingSweeper(store, models.StateApproved, cfg.Timeouts.ListingApproved.Duration, nil, logger),
		jobs.NewPurchaseSweeper(store, models.StateCreated, cfg.Timeouts.PurchaseCreated.Duration, nil, logger),
		jobs.NewPurchaseSweeper(store, models.StateApproved, cfg.Timeouts.PurchaseApproved.Duration, nil, logger),
	}
	updateJob, err := jobs.New(jobs.Config{
		Store:          store,
		Validator:      jobs.NewValidator(store, mirrorClient, logger),
		Publisher:      handler,
		Sweepers:       sweepers,
		Interval:       cfg.Jobs.Interval.Duration,
		FinalityWindow: cfg.Jobs.FinalityWindow.Duration,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("build update job: %v", err)
	}

	var estimator pricing.Estimator = pricing.NewFallback(cfg.Pricing.Seed)
	if cfg.Pricing.URL != "" {
		estimator = pricing.WithFallback{
			Primary:  pricing.NewClient(cfg.Pricing.URL),
			Fallback: estimator,
		}
	}

	srv := server.New(server.Config{
		DB:         db,
		Market:     svc,
		Pricing:    estimator,
		Attributes: attributeStore,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go updateJob.Run(ctx)
	if cfg.Attributes.URL != "" {
		loader := attributes.NewLoader(attributeStore, attributes.NewHTTPFetcher(cfg.Attributes.URL),
			cfg.Jobs.AttributeInterval.Duration, cfg.Jobs.AttributeBatch, logger)
		go loader.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
