package models

import (
	"time"

	"github.com/google/uuid"
)

// MappingEntry is one persisted mapping. Two raw spellings may fold to the
// same NormalizedKey; when their canonical ids disagree the store reports the
// key as ambiguous until a correction collapses them.
type MappingEntry struct {
	ID            uint   `gorm:"primaryKey"`
	Set           string `gorm:"column:mapping_set;uniqueIndex:idx_mapping_raw,priority:1;index:idx_mapping_norm,priority:1"`
	RawKey        string `gorm:"uniqueIndex:idx_mapping_raw,priority:2"`
	NormalizedKey string `gorm:"index:idx_mapping_norm,priority:2"`
	CanonicalID   string
	Source        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MappingCorrection is the audit trail of a mapping changing its canonical id.
type MappingCorrection struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Set           string    `gorm:"column:mapping_set;index"`
	NormalizedKey string    `gorm:"index"`
	RawKey        string
	Action        string
	PreviousIDs   string
	NewID         string
	PerformedBy   string
	Reason        string
	CreatedAt     time.Time
}
