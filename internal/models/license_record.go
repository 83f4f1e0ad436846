package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LicenseRecord is a committed license row. UUID is agency id followed by the
// license number, so reloading the same license updates it in place.
type LicenseRecord struct {
	UUID              string `gorm:"column:uuid;primaryKey"`
	BBBID             string `gorm:"column:bbb_id;index:idx_license_region,priority:1"`
	AgencyID          string `gorm:"index"`
	BusinessName      string
	Street            string
	City              string
	Zip               string
	StateEstablished  string
	DateEstablished   string
	LicenseNbr        string `gorm:"index:idx_license_region,priority:2"`
	AgencyURL         string `gorm:"column:agency_url"`
	PhoneNumber       string
	LicenseExpiration string
	LicenseStatus     string
	ReportableData    string `gorm:"default:false"`
	AgencyName        string
	Category          string
	Source            string `gorm:"index"`
	SourceFields      datatypes.JSON
	RunID             uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (LicenseRecord) TableName() string {
	return "bbb_uploaded_data"
}
