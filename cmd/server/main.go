package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/config"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/logging"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/metrics"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/routes"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/loader"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
)

func main() {
	// Load .env
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel)
	log := logrus.NewEntry(logger).WithField("service", "california-collectors")
	if envErr != nil {
		log.Info("no .env file found, relying on system env")
	}

	db, err := config.InitDB(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("init database")
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(
			&models.LicenseRecord{},
			&models.MappingEntry{},
			&models.MappingCorrection{},
			&models.IngestionRun{},
			&models.ReconciliationRun{},
			&models.RejectedRecord{},
		); err != nil {
			log.WithError(err).Fatal("migrate")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mappingRepo := repository.NewMappingRepository(db)
	store := mapping.NewStore(mapping.WithLogger(log.WithField("component", "mapping")))
	entries, err := mappingRepo.LoadAll(ctx)
	if err != nil {
		log.WithError(err).Fatal("load mappings")
	}
	loaded, err := store.Load(entries)
	if err != nil {
		log.WithError(err).Fatal("load mappings")
	}
	log.WithFields(logrus.Fields{
		"loaded":     loaded.Loaded,
		"duplicates": loaded.Duplicates,
		"conflicts":  loaded.Conflicts,
	}).Info("mapping store loaded")

	desc, err := reconciliation.LoadDescriptors(cfg.Reconcile.DescriptorsFile)
	if err != nil {
		log.WithError(err).Fatal("load reconciliation descriptors")
	}

	licenseRepo := repository.NewLicenseRepository(db)
	svc, err := ingestion.NewService(ingestion.Deps{
		Mappings:       store,
		MappingRepo:    mappingRepo,
		Runs:           repository.NewRunRepository(db),
		Rejections:     repository.NewRejectionRepository(db),
		Targets:        func(id uuid.UUID) loader.Target { return licenseRepo.ForRun(id) },
		ReconcileStore: repository.NewReconciliationStore(db),
		Descriptors:    desc,
	}, ingestion.Config{
		Loader: loader.Config{
			BatchSize:    cfg.Ingest.BatchSize,
			Workers:      cfg.Ingest.Workers,
			BatchTimeout: cfg.Ingest.BatchTimeout,
			Retry:        loader.NewRetryPolicy(cfg.Ingest.MaxRetries, cfg.Ingest.BackoffInitial, cfg.Ingest.BackoffMax),
		},
		CSLBAgencyName:     cfg.CSLB.AgencyName,
		CSLBAgencyByRegion: cfg.CSLB.AgencyByRegion,
		ReconcileWorkers:   cfg.Reconcile.Workers,
		Verify:             cfg.Reconcile.Verify,
	}, ingestion.WithLogger(log), ingestion.WithMetrics(m))
	if err != nil {
		log.WithError(err).Fatal("init ingestion service")
	}

	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, routes.Deps{
		DB:        db,
		Service:   svc,
		Gatherer:  reg,
		MaxUpload: cfg.Server.MaxUploadBytes,
		DryRun:    cfg.Reconcile.DryRun,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("runs did not finish before shutdown timeout")
	}
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}
