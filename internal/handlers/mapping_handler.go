package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
)

type MappingHandler struct {
	service     *ingestion.Service
	corrections CorrectionReader
}

func NewMappingHandler(s *ingestion.Service, corrections CorrectionReader) *MappingHandler {
	return &MappingHandler{service: s, corrections: corrections}
}

// UploadSeed loads a ZIP (zip,region), agency (name,agency_id) or region
// agency (region,agency_id) reference file.
func (h *MappingHandler) UploadSeed(c *gin.Context) {
	set, ok := parseSet(c)
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	defer file.Close()

	report, err := h.service.SeedMappings(c.Request.Context(), set, file)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": header.Filename, "report": report})
}

type backfillRequest struct {
	Source  mapping.EntrySource     `json:"source"`
	Reason  string                  `json:"reason"`
	Entries []mapping.BackfillEntry `json:"entries" binding:"required,min=1,dive"`
}

func (h *MappingHandler) Backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	switch req.Source {
	case "":
		req.Source = mapping.SourceBackfill
	case mapping.SourceSeed, mapping.SourceBackfill, mapping.SourceCorrection:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be seed, backfill or correction"})
		return
	}

	report, err := h.service.Backfill(c.Request.Context(), req.Entries, req.Source, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *MappingHandler) Lookup(c *gin.Context) {
	set, ok := parseSet(c)
	if !ok {
		return
	}
	raw := c.Param("rawKey")
	id, err := h.service.Lookup(set, raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"set":            set,
		"raw_key":        raw,
		"normalized_key": mapping.NormalizeKey(raw),
		"canonical_id":   id,
	})
}

func (h *MappingHandler) List(c *gin.Context) {
	set, ok := parseSet(c)
	if !ok {
		return
	}
	entries := h.service.Mappings(set)
	c.JSON(http.StatusOK, gin.H{"set": set, "count": len(entries), "entries": entries})
}

// Conflicts lists keys that resolve as ambiguous until a backfill collapses
// them to one canonical id.
func (h *MappingHandler) Conflicts(c *gin.Context) {
	set, ok := parseSet(c)
	if !ok {
		return
	}
	conflicts := h.service.Conflicts(set)
	if conflicts == nil {
		conflicts = []mapping.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"set": set, "conflicts": conflicts})
}

// Corrections returns the audit trail of canonical id changes, newest first.
func (h *MappingHandler) Corrections(c *gin.Context) {
	set, ok := parseSet(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	items, err := h.corrections.ListCorrections(c.Request.Context(), set, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"set": set, "corrections": items})
}

var _ CorrectionReader = (*repository.MappingRepository)(nil)
