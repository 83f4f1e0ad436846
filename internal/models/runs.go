package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunProcessing = "processing"
	RunCompleted  = "completed"
	RunStopped    = "stopped"
	RunFailed     = "failed"
)

type IngestionRun struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source         string    `gorm:"index"`
	Filename       string
	TotalRecords   int
	ResolvedCount  int
	RejectedCount  int
	CommittedCount int
	FailedCount    int
	Status         string `gorm:"index"`
	Summary        datatypes.JSON
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

type ReconciliationRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	State       string    `gorm:"index"`
	DryRun      bool
	Tables      string
	Corrected   int64
	Report      datatypes.JSON
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// RejectedRecord keeps a rejected raw record with the reasons it did not
// resolve.
type RejectedRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID         uuid.UUID `gorm:"type:uuid;index"`
	Seq           int       `gorm:"index"`
	Source        string
	LicenseNumber string
	Reason        string `gorm:"index"`
	Reasons       string
	RawAgencyName string
	RawZip        string
	Detail        string
	Raw           datatypes.JSON
	CreatedAt     time.Time
}
