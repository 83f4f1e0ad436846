package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
)

// insertChunk keeps a multi-row INSERT under the 65535 bind parameter limit.
const insertChunk = 1000

var licenseUpdateColumns = []string{
	"bbb_id", "agency_id", "business_name", "street", "city", "zip",
	"state_established", "date_established", "license_nbr", "agency_url",
	"phone_number", "license_expiration", "license_status", "agency_name",
	"category", "source", "source_fields", "run_id", "updated_at",
}

type LicenseRepository struct {
	db *gorm.DB
}

func NewLicenseRepository(db *gorm.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// InsertBatch upserts a batch on uuid inside one transaction, so either the
// whole batch is written or nothing is.
func (r *LicenseRepository) InsertBatch(ctx context.Context, runID uuid.UUID, batch []records.ResolvedRecord) error {
	rows, err := toLicenseRows(runID, batch, time.Now())
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uuid"}},
			DoUpdates: clause.AssignmentColumns(licenseUpdateColumns),
		}).CreateInBatches(&rows, insertChunk).Error
	})
}

// ForRun binds the repository to a run so it can serve as a batch target.
func (r *LicenseRepository) ForRun(runID uuid.UUID) *RunTarget {
	return &RunTarget{repo: r, runID: runID}
}

func (r *LicenseRepository) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.LicenseRecord{}).Where("run_id = ?", runID).Count(&n).Error
	return n, err
}

type RunTarget struct {
	repo  *LicenseRepository
	runID uuid.UUID
}

func (t *RunTarget) InsertBatch(ctx context.Context, batch []records.ResolvedRecord) error {
	return t.repo.InsertBatch(ctx, t.runID, batch)
}

// toLicenseRows converts a batch, keeping only the last record per uuid;
// Postgres rejects an upsert touching the same row twice in one statement.
func toLicenseRows(runID uuid.UUID, batch []records.ResolvedRecord, now time.Time) ([]models.LicenseRecord, error) {
	pos := make(map[string]int, len(batch))
	rows := make([]models.LicenseRecord, 0, len(batch))

	for _, rec := range batch {
		fields, err := json.Marshal(rec.Raw.Fields())
		if err != nil {
			return nil, fmt.Errorf("encode source fields for %s: %w", rec.UUID(), err)
		}
		d := rec.Raw.Details()
		row := models.LicenseRecord{
			UUID:              rec.UUID(),
			BBBID:             rec.RegionID,
			AgencyID:          rec.AgencyID,
			BusinessName:      d.BusinessName,
			Street:            d.Street,
			City:              d.City,
			Zip:               rec.Zip,
			StateEstablished:  d.State,
			DateEstablished:   d.IssueDate,
			LicenseNbr:        rec.Raw.LicenseNumber(),
			AgencyURL:         d.AgencyURL,
			PhoneNumber:       d.Phone,
			LicenseExpiration: d.ExpirationDate,
			LicenseStatus:     d.Status,
			ReportableData:    "false",
			AgencyName:        rec.Raw.AgencyName(),
			Category:          d.Category,
			Source:            string(rec.Raw.Source()),
			SourceFields:      datatypes.JSON(fields),
			RunID:             runID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if i, ok := pos[row.UUID]; ok {
			rows[i] = row
			continue
		}
		pos[row.UUID] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}
