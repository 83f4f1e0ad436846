package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
)

type RejectionRepository struct {
	db *gorm.DB
}

func NewRejectionRepository(db *gorm.DB) *RejectionRepository {
	return &RejectionRepository{db: db}
}

// SaveAll stores the rejections of a run in input order.
func (r *RejectionRepository) SaveAll(ctx context.Context, runID uuid.UUID, rejected []records.RejectedRecord) error {
	if len(rejected) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]models.RejectedRecord, 0, len(rejected))
	for i, rej := range rejected {
		raw, err := json.Marshal(rej.Raw.Fields())
		if err != nil {
			return fmt.Errorf("encode rejected record %d: %w", i, err)
		}
		reasons := make([]string, 0, len(rej.Reasons))
		for _, rc := range rej.Reasons {
			reasons = append(reasons, string(rc))
		}
		rows = append(rows, models.RejectedRecord{
			ID:            uuid.New(),
			RunID:         runID,
			Seq:           i + 1,
			Source:        string(rej.Raw.Source()),
			LicenseNumber: rej.Raw.LicenseNumber(),
			Reason:        string(rej.Reason),
			Reasons:       strings.Join(reasons, ","),
			RawAgencyName: rej.RawAgencyNameSeen,
			RawZip:        rej.RawZipSeen,
			Detail:        rej.Detail,
			Raw:           datatypes.JSON(raw),
			CreatedAt:     now,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&rows, insertChunk).Error
	})
}

type RejectionPage struct {
	Items      []models.RejectedRecord `json:"items"`
	NextCursor int                     `json:"next_cursor,omitempty"`
}

// List pages through the rejections of a run by sequence number. An empty
// reason returns every reason.
func (r *RejectionRepository) List(ctx context.Context, runID uuid.UUID, reason string, cursor, limit int) (RejectionPage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Where("run_id = ? AND seq > ?", runID, cursor)
	if reason != "" {
		q = q.Where("reason = ?", reason)
	}
	var items []models.RejectedRecord
	if err := q.Order("seq ASC").Limit(limit + 1).Find(&items).Error; err != nil {
		return RejectionPage{}, err
	}
	page := RejectionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = items[limit-1].Seq
	}
	return page, nil
}

// CountByReason returns the rejection count per primary reason.
func (r *RejectionRepository) CountByReason(ctx context.Context, runID uuid.UUID) (map[string]int64, error) {
	var rows []struct {
		Reason string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.RejectedRecord{}).
		Select("reason, COUNT(*) AS count").
		Where("run_id = ?", runID).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Reason] = row.Count
	}
	return out, nil
}

type UnmappedValue struct {
	Value   string `json:"value"`
	Records int64  `json:"records"`
}

type UnmappedSummary struct {
	Agencies []UnmappedValue `json:"agencies"`
	Zips     []UnmappedValue `json:"zips"`
}

// Unmapped lists the raw agency names and ZIPs that failed to resolve in a
// run, most frequent first. These are the candidates for a backfill.
func (r *RejectionRepository) Unmapped(ctx context.Context, runID uuid.UUID) (UnmappedSummary, error) {
	var out UnmappedSummary
	db := r.db.WithContext(ctx).Model(&models.RejectedRecord{})

	err := db.Session(&gorm.Session{}).
		Select("raw_agency_name AS value, COUNT(*) AS records").
		Where("run_id = ? AND reasons LIKE ?", runID, "%"+string(records.ReasonMissingAgencyMapping)+"%").
		Group("raw_agency_name").
		Order("records DESC, value ASC").
		Scan(&out.Agencies).Error
	if err != nil {
		return out, err
	}
	err = db.Session(&gorm.Session{}).
		Select("raw_zip AS value, COUNT(*) AS records").
		Where("run_id = ? AND reasons LIKE ?", runID, "%"+string(records.ReasonMissingZipMapping)+"%").
		Group("raw_zip").
		Order("records DESC, value ASC").
		Scan(&out.Zips).Error
	return out, err
}
