package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
)

type RunReader interface {
	GetIngestion(ctx context.Context, id uuid.UUID) (*models.IngestionRun, error)
	ListIngestions(ctx context.Context, limit int) ([]models.IngestionRun, error)
	GetReconciliation(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error)
}

// LicenseCounter counts the license rows a run last wrote.
type LicenseCounter interface {
	CountByRun(ctx context.Context, runID uuid.UUID) (int64, error)
}

type CorrectionReader interface {
	ListCorrections(ctx context.Context, set mapping.Set, limit int) ([]models.MappingCorrection, error)
}

type RejectionReader interface {
	List(ctx context.Context, runID uuid.UUID, reason string, cursor, limit int) (repository.RejectionPage, error)
	CountByReason(ctx context.Context, runID uuid.UUID) (map[string]int64, error)
	Unmapped(ctx context.Context, runID uuid.UUID) (repository.UnmappedSummary, error)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return uuid.Nil, false
	}
	return id, true
}

func parseSet(c *gin.Context) (mapping.Set, bool) {
	set, ok := mapping.ParseSet(c.Param("set"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "set must be zip, agency or region_agency"})
	}
	return set, ok
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reconciliation.ErrRunning):
		status = http.StatusConflict
	case errs.IsStructural(err), errors.Is(err, errs.ErrInvalidFormat):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrMissingMapping):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrAmbiguousMapping):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
