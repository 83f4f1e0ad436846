package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
)

type IngestionHandler struct {
	service    *ingestion.Service
	runs       RunReader
	rejections RejectionReader
	licenses   LicenseCounter
	maxUpload  int64
}

func NewIngestionHandler(s *ingestion.Service, runs RunReader, rejections RejectionReader, licenses LicenseCounter, maxUpload int64) *IngestionHandler {
	return &IngestionHandler{service: s, runs: runs, rejections: rejections, licenses: licenses, maxUpload: maxUpload}
}

// Upload parses a CSLB or DCA file and processes it in the background.
func (h *IngestionHandler) Upload(c *gin.Context) {
	src, ok := records.ParseSource(c.Param("source"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be cslb or dca"})
		return
	}
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	defer file.Close()

	raw, err := h.service.Parse(src, file)
	if err != nil {
		writeError(c, err)
		return
	}

	runID, err := h.service.StartIngest(c.Request.Context(), src, header.Filename, raw)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID.String(),
		"status": "processing",
		"total":  len(raw),
	})
}

// GetRun returns live progress when the run belongs to this process, else the
// stored summary.
func (h *IngestionHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	if p, ok := h.service.Progress(id); ok {
		c.JSON(http.StatusOK, p)
		return
	}
	run, err := h.runs.GetIngestion(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns returns the most recent ingestion runs.
func (h *IngestionHandler) ListRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	runs, err := h.runs.ListIngestions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// StoredRecords counts the license rows whose latest write came from the run.
func (h *IngestionHandler) StoredRecords(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	if _, err := h.runs.GetIngestion(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	n, err := h.licenses.CountByRun(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id.String(), "stored_records": n})
}

func (h *IngestionHandler) Stop(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	if !h.service.Stop(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id.String(), "status": "stopping"})
}

func (h *IngestionHandler) ListRejections(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	cursor, err := queryInt(c, "cursor", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	page, err := h.rejections.List(c.Request.Context(), id, c.Query("reason"), cursor, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	counts, err := h.rejections.CountByReason(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":       page.Items,
		"next_cursor": page.NextCursor,
		"has_more":    page.NextCursor != 0,
		"by_reason":   counts,
	})
}

func (h *IngestionHandler) Unmapped(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	summary, err := h.rejections.Unmapped(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}

var (
	_ RejectionReader = (*repository.RejectionRepository)(nil)
	_ RunReader       = (*repository.RunRepository)(nil)
	_ LicenseCounter  = (*repository.LicenseRepository)(nil)
)
