package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
)

type ReconciliationHandler struct {
	service *ingestion.Service
	runs    RunReader
	dryRun  bool
}

// NewReconciliationHandler returns the handler. dryRun is the default when a
// request does not say.
func NewReconciliationHandler(s *ingestion.Service, runs RunReader, dryRun bool) *ReconciliationHandler {
	return &ReconciliationHandler{service: s, runs: runs, dryRun: dryRun}
}

type runRequest struct {
	DryRun *bool    `json:"dry_run"`
	Tables []string `json:"tables"`
}

func (h *ReconciliationHandler) Run(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	dryRun := h.dryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	if _, err := h.service.Descriptors().Select(req.Tables); err != nil {
		writeError(c, err)
		return
	}

	runID, err := h.service.StartReconciliation(c.Request.Context(), dryRun, req.Tables)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  runID.String(),
		"dry_run": dryRun,
		"status":  "processing",
	})
}

func (h *ReconciliationHandler) GetRun(c *gin.Context) {
	id, ok := parseID(c, "runId")
	if !ok {
		return
	}
	if p, ok := h.service.Progress(id); ok {
		c.JSON(http.StatusOK, p)
		return
	}
	run, err := h.runs.GetReconciliation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *ReconciliationHandler) Descriptors(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Descriptors())
}
