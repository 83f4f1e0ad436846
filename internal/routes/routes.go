package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	handler "github.com/Visual-Knowledge-LLC/california-collectors/internal/handlers"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
)

type Deps struct {
	DB        *gorm.DB
	Service   *ingestion.Service
	Gatherer  prometheus.Gatherer
	MaxUpload int64
	DryRun    bool
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	runRepo := repository.NewRunRepository(d.DB)
	rejectionRepo := repository.NewRejectionRepository(d.DB)
	licenseRepo := repository.NewLicenseRepository(d.DB)
	mappingRepo := repository.NewMappingRepository(d.DB)

	ingestHandler := handler.NewIngestionHandler(d.Service, runRepo, rejectionRepo, licenseRepo, d.MaxUpload)
	mappingHandler := handler.NewMappingHandler(d.Service, mappingRepo)
	reconHandler := handler.NewReconciliationHandler(d.Service, runRepo, d.DryRun)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.POST("/ingest/:source", ingestHandler.Upload)

	runs := api.Group("/runs")
	runs.GET("", ingestHandler.ListRuns)
	runs.GET("/:runId", ingestHandler.GetRun)
	runs.GET("/:runId/records", ingestHandler.StoredRecords)
	runs.POST("/:runId/stop", ingestHandler.Stop)
	runs.GET("/:runId/rejections", ingestHandler.ListRejections)
	runs.GET("/:runId/unmapped", ingestHandler.Unmapped)

	mappings := api.Group("/mappings")
	{
		mappings.POST("/backfill", mappingHandler.Backfill)
		mappings.POST("/:set/upload", mappingHandler.UploadSeed)
		mappings.GET("/:set/:rawKey", mappingHandler.Lookup)
	}

	sets := api.Group("/mapping-sets/:set")
	sets.GET("", mappingHandler.List)
	sets.GET("/conflicts", mappingHandler.Conflicts)
	sets.GET("/corrections", mappingHandler.Corrections)

	recon := api.Group("/reconciliation")
	recon.POST("/run", reconHandler.Run)
	recon.GET("/descriptors", reconHandler.Descriptors)
	recon.GET("/:runId", reconHandler.GetRun)
	recon.POST("/:runId/stop", ingestHandler.Stop)
}
