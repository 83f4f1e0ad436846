package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
)

type MappingRepository struct {
	db *gorm.DB
}

func NewMappingRepository(db *gorm.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// LoadAll reads every persisted mapping, conflicts included.
func (r *MappingRepository) LoadAll(ctx context.Context) ([]mapping.Entry, error) {
	var rows []models.MappingEntry
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]mapping.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapping.Entry{
			Set:         mapping.Set(row.Set),
			RawKey:      row.RawKey,
			Key:         row.NormalizedKey,
			CanonicalID: row.CanonicalID,
			Source:      mapping.EntrySource(row.Source),
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return out, nil
}

// SaveChanges persists the effect of a backfill in one transaction: each
// changed key is replaced by its new entry and every correction gets an
// audit row.
func (r *MappingRepository) SaveChanges(ctx context.Context, changes []mapping.Change, reason string) error {
	if len(changes) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range changes {
			e := c.Entry
			if err := tx.Where("mapping_set = ? AND normalized_key = ?", string(e.Set), e.Key).
				Delete(&models.MappingEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.MappingEntry{
				Set:           string(e.Set),
				RawKey:        e.RawKey,
				NormalizedKey: e.Key,
				CanonicalID:   e.CanonicalID,
				Source:        string(e.Source),
				CreatedAt:     e.CreatedAt,
				UpdatedAt:     e.UpdatedAt,
			}).Error; err != nil {
				return err
			}
			if c.Action != mapping.ActionCorrected {
				continue
			}
			if err := tx.Create(&models.MappingCorrection{
				ID:            uuid.New(),
				Set:           string(e.Set),
				NormalizedKey: e.Key,
				RawKey:        e.RawKey,
				Action:        string(c.Action),
				PreviousIDs:   strings.Join(c.Previous, ","),
				NewID:         e.CanonicalID,
				PerformedBy:   string(performedBy(c)),
				Reason:        reason,
				CreatedAt:     time.Now(),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func performedBy(c mapping.Change) mapping.EntrySource {
	if c.RequestedBy != "" {
		return c.RequestedBy
	}
	return c.Entry.Source
}

// ListCorrections returns the audit trail for one set, newest first.
func (r *MappingRepository) ListCorrections(ctx context.Context, set mapping.Set, limit int) ([]models.MappingCorrection, error) {
	var out []models.MappingCorrection
	err := r.db.WithContext(ctx).
		Where("mapping_set = ?", string(set)).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
